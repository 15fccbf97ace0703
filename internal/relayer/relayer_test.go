package relayer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketkeeper/internal/chain"
	"github.com/alanyoungcy/marketkeeper/internal/chain/rpc"
	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

type fakeNode struct {
	mu          sync.Mutex
	sent        [][]byte
	sendErr     map[int]error           // by send index
	landedErr   map[int]json.RawMessage // by send index
	logs        []string
	accounts    map[chain.PublicKey]bool
	accountGets int
}

func newFakeNode() *fakeNode {
	return &fakeNode{sendErr: map[int]error{}, landedErr: map[int]json.RawMessage{}, accounts: map[chain.PublicKey]bool{}}
}

func (f *fakeNode) GetLatestBlockhash(context.Context) (chain.Hash, uint64, error) {
	return chain.Hash{7}, 100, nil
}

func (f *fakeNode) SendTransaction(_ context.Context, raw []byte, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.sent)
	f.sent = append(f.sent, raw)
	if err := f.sendErr[i]; err != nil {
		return "", err
	}
	return fmt.Sprintf("sig-%d", i), nil
}

func (f *fakeNode) GetSignatureStatuses(_ context.Context, sigs []string) ([]*rpc.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var i int
	_, _ = fmt.Sscanf(sigs[0], "sig-%d", &i)
	st := &rpc.SignatureStatus{ConfirmationStatus: "confirmed", Err: json.RawMessage("null")}
	if e, ok := f.landedErr[i]; ok {
		st.Err = e
	}
	return []*rpc.SignatureStatus{st}, nil
}

func (f *fakeNode) GetTransactionLogs(context.Context, string) ([]string, error) {
	return f.logs, nil
}

func (f *fakeNode) GetAccountInfo(_ context.Context, addr chain.PublicKey) (*rpc.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountGets++
	if f.accounts[addr] {
		return &rpc.AccountInfo{Lamports: 1}, nil
	}
	return nil, nil
}

func (f *fakeNode) GetMultipleAccounts(_ context.Context, addrs []chain.PublicKey) ([]*rpc.AccountInfo, error) {
	out := make([]*rpc.AccountInfo, len(addrs))
	for i, a := range addrs {
		if f.accounts[a] {
			out[i] = &rpc.AccountInfo{Lamports: 1}
		}
	}
	return out, nil
}

func newTestClient(t *testing.T, node Node, cfg Config) *Client {
	t.Helper()
	kp, err := chain.GenerateKeypair()
	require.NoError(t, err)
	d := chain.Deriver{
		Program: chain.MustPublicKey("5Kq43SR2HUNsyNZWaau1p8kQzAvW2UA2mAvempdchTrk"),
		Mint:    chain.MustPublicKey("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
	}
	cfg.PollInterval = time.Millisecond
	cfg.ConfirmTimeout = time.Second
	return New(node, kp, d, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		logs []string
		want Kind
	}{
		{nil, nil, KindSuccess},
		{errors.New("x"), []string{"Program log: AnchorError caused by account: market. Error Code: MarketNotPending."}, KindAlreadyApplied},
		{errors.New(`landed {"InstructionError":[0,{"Custom":6008}]}`), nil, KindAlreadyApplied},
		{errors.New("x"), []string{"Allocate: account Address { address: abc } already in use"}, KindAlreadyApplied},
		{errors.New(`{"InstructionError":[0,{"Custom":3012}]}`), nil, KindMissingAccount},
		{errors.New("AccountNotFound"), nil, KindMissingAccount},
		{errors.New("x"), []string{"Error Code: VaultNotEmpty"}, KindRefused},
		{fmt.Errorf("send: %w", domain.ErrTransient), nil, KindTransient},
		{errors.New("Blockhash not found"), nil, KindTransient},
		{context.DeadlineExceeded, nil, KindTransient},
		{errors.New("Error Code: InsufficientVaultBalance"), nil, KindFatal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err, tc.logs), "%v %v", tc.err, tc.logs)
	}
}

func TestSubmitInspectsLandedError(t *testing.T) {
	node := newFakeNode()
	node.landedErr[0] = json.RawMessage(`{"InstructionError":[1,{"Custom":6008}]}`)
	c := newTestClient(t, node, Config{})

	res := c.ResolveMarket(context.Background(), chain.SystemProgramID, domain.OutcomeYes, 1)
	assert.Equal(t, KindAlreadyApplied, res.Kind)
	assert.True(t, res.Applied())
	assert.NoError(t, res.AsError("resolve"))

	node.landedErr[1] = json.RawMessage(`{"InstructionError":[1,{"Custom":6007}]}`)
	res = c.ResolveMarket(context.Background(), chain.SystemProgramID, domain.OutcomeYes, 1)
	assert.Equal(t, KindFatal, res.Kind)
	err := res.AsError("resolve")
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.True(t, le.LedgerError())
}

func TestSubmitSuccess(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node, Config{PriorityFee: 10})
	res := c.ActivateMarket(context.Background(), chain.SystemProgramID, 42)
	require.Equal(t, KindSuccess, res.Kind)
	assert.Equal(t, "sig-0", res.Signature)
	require.Len(t, node.sent, 1)
	assert.True(t, bytes.Contains(node.sent[0], chain.ComputeBudgetProgramID[:]))
}

func TestSettleChunksContinuePastFailure(t *testing.T) {
	node := newFakeNode()
	node.sendErr[1] = errors.New("Error Code: InsufficientVaultBalance")
	c := newTestClient(t, node, Config{SettleChunkSize: 5})

	market, err := c.MarketAddress(domain.AssetBTC, domain.Timeframe5m, time.Unix(1700000100, 0))
	require.NoError(t, err)
	owners := make([]chain.PublicKey, 12)
	for i := range owners {
		owners[i][0] = byte(i + 1)
	}

	chunks := c.SettlePositionsBatch(context.Background(), market, owners)
	require.Len(t, chunks, 3)
	assert.Len(t, node.sent, 3)
	assert.Equal(t, [2]int{0, 5}, [2]int{chunks[0].Lo, chunks[0].Hi})
	assert.Equal(t, [2]int{5, 10}, [2]int{chunks[1].Lo, chunks[1].Hi})
	assert.Equal(t, [2]int{10, 12}, [2]int{chunks[2].Lo, chunks[2].Hi})
	assert.Equal(t, KindSuccess, chunks[0].Result.Kind)
	assert.Equal(t, KindFatal, chunks[1].Result.Kind)
	assert.Equal(t, KindSuccess, chunks[2].Result.Kind)
}

func TestCloseMarketsFeeAccountCachedAfterSuccess(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node, Config{MaxBatch: 4})
	markets := []chain.PublicKey{chain.SystemProgramID, chain.TokenProgramID}

	res := c.CloseMarkets(context.Background(), markets)
	require.Len(t, res, 2)
	assert.Equal(t, KindSuccess, res[0].Kind)
	require.Len(t, node.sent, 1)
	assert.True(t, bytes.Contains(node.sent[0], chain.AssociatedTokenProgram[:]))
	assert.Equal(t, 1, node.accountGets)

	c.CloseMarket(context.Background(), markets[0])
	assert.Equal(t, 1, node.accountGets)
	require.Len(t, node.sent, 2)
	assert.False(t, bytes.Contains(node.sent[1], chain.AssociatedTokenProgram[:]))
}

func TestCloseMarketsSkipsCreateWhenAccountExists(t *testing.T) {
	node := newFakeNode()
	c := newTestClient(t, node, Config{})
	ata, err := c.Deriver().TokenAccount(c.Authority())
	require.NoError(t, err)
	node.accounts[ata] = true

	c.CloseMarket(context.Background(), chain.SystemProgramID)
	require.Len(t, node.sent, 1)
	assert.False(t, bytes.Contains(node.sent[0], chain.AssociatedTokenProgram[:]))
}

func TestSendTransientClassified(t *testing.T) {
	node := newFakeNode()
	node.sendErr[0] = fmt.Errorf("rpc: %w", domain.ErrTransient)
	c := newTestClient(t, node, Config{})
	res := c.ActivateMarket(context.Background(), chain.SystemProgramID, 1)
	assert.Equal(t, KindTransient, res.Kind)
}
