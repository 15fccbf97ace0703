package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

const archivePrefix = "archive/markets"

// Exporter writes the final record of an archived market together with
// its settlement records as one JSON object. Writing the same market again
// overwrites the object.
type Exporter struct {
	uploader *manager.Uploader
	bucket   string
	now      func() time.Time
}

// NewExporter creates an Exporter on any S3 upload client.
func NewExporter(api manager.UploadAPIClient, bucket string) *Exporter {
	return &Exporter{
		uploader: manager.NewUploader(api),
		bucket:   bucket,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type marketSnapshot struct {
	ID             string     `json:"id"`
	Address        string     `json:"address"`
	Asset          string     `json:"asset"`
	Timeframe      string     `json:"timeframe"`
	StrikePrice    int64      `json:"strike_price"`
	FinalPrice     int64      `json:"final_price"`
	Outcome        string     `json:"outcome,omitempty"`
	StartAt        time.Time  `json:"start_at"`
	ExpiryAt       time.Time  `json:"expiry_at"`
	TotalPositions int        `json:"total_positions"`
	TotalVolume    int64      `json:"total_volume"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

type settlementSnapshot struct {
	PositionID    string `json:"position_id"`
	UserID        string `json:"user_id"`
	Outcome       string `json:"outcome"`
	WinningShares int64  `json:"winning_shares"`
	Payout        int64  `json:"payout"`
	Profit        int64  `json:"profit"`
	Status        string `json:"status"`
	TxSignature   string `json:"tx_signature,omitempty"`
}

type archiveDoc struct {
	Market      marketSnapshot       `json:"market"`
	Settlements []settlementSnapshot `json:"settlements"`
	ExportedAt  time.Time            `json:"exported_at"`
}

// ObjectKey returns where a market is archived.
func ObjectKey(m domain.Market) string {
	return path.Join(archivePrefix, string(m.Asset), string(m.Timeframe),
		m.ExpiryAt.UTC().Format("20060102T150405Z")+".json")
}

// ExportMarket uploads the archive document of m.
func (e *Exporter) ExportMarket(ctx context.Context, m domain.Market, recs []domain.Settlement) error {
	doc := archiveDoc{
		Market: marketSnapshot{
			ID: m.ID, Address: m.Address, Asset: string(m.Asset), Timeframe: string(m.Timeframe),
			StrikePrice: m.StrikePrice, FinalPrice: m.FinalPrice, Outcome: string(m.Outcome),
			StartAt: m.StartAt, ExpiryAt: m.ExpiryAt,
			TotalPositions: m.TotalPositions, TotalVolume: m.TotalVolume,
			ResolvedAt: m.ResolvedAt, SettledAt: m.SettledAt,
		},
		Settlements: make([]settlementSnapshot, 0, len(recs)),
		ExportedAt:  e.now(),
	}
	for _, r := range recs {
		doc.Settlements = append(doc.Settlements, settlementSnapshot{
			PositionID: r.PositionID, UserID: r.UserID, Outcome: string(r.Outcome),
			WinningShares: r.WinningShares, Payout: r.Payout, Profit: r.Profit,
			Status: string(r.Status), TxSignature: r.TxSignature,
		})
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal market %s: %w", m.ID, err)
	}

	key := ObjectKey(m)
	_, err = e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return nil
}
