package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chainpulse/chainpulse/internal/domain"
)

const SourceBlockCypher = "blockcypher"

// BlockCypherAdapter wraps the BlockCypher REST API (fallback-2). The
// free tier is tightly limited, so block fetches return metadata stubs
// rather than walking the per-transaction endpoints.
type BlockCypherAdapter struct {
	baseURL string
	token   string
	http    *httpClient
}

// NewBlockCypher builds the second fallback adapter. The token is optional.
func NewBlockCypher(opts Options) *BlockCypherAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.blockcypher.com"
	}
	return &BlockCypherAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.APIKey,
		http:    newHTTPClient(SourceBlockCypher, opts),
	}
}

func (a *BlockCypherAdapter) Name() string { return SourceBlockCypher }

func (a *BlockCypherAdapter) withToken(url string) string {
	if a.token == "" {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "token=" + a.token
}

type bcChain struct {
	Height           int64  `json:"height"`
	Hash             string `json:"hash"`
	HighFeePerKB     int64  `json:"high_fee_per_kb"`   // sats/kB
	MediumFeePerKB   int64  `json:"medium_fee_per_kb"` // sats/kB
	LowFeePerKB      int64  `json:"low_fee_per_kb"`    // sats/kB
	UnconfirmedCount int64  `json:"unconfirmed_count"`
}

func (a *BlockCypherAdapter) chain(ctx context.Context) (*bcChain, error) {
	body, err := a.http.get(ctx, a.withToken(a.baseURL+"/v1/btc/main"))
	if err != nil {
		return nil, err
	}
	var raw bcChain
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceBlockCypher, err)
	}
	return &raw, nil
}

func (a *BlockCypherAdapter) GetBlockHeight(ctx context.Context) (int64, error) {
	c, err := a.chain(ctx)
	if err != nil {
		return 0, err
	}
	return c.Height, nil
}

func (a *BlockCypherAdapter) GetBlock(ctx context.Context, ref BlockRef) (*domain.RawBlock, error) {
	id := ref.Hash
	if id == "" {
		id = fmt.Sprintf("%d", ref.Height)
	}
	body, err := a.http.get(ctx, a.withToken(fmt.Sprintf("%s/v1/btc/main/blocks/%s", a.baseURL, id)))
	if err != nil {
		return nil, err
	}
	var raw struct {
		Hash   string    `json:"hash"`
		Height int64     `json:"height"`
		Time   time.Time `json:"time"`
		Size   int64     `json:"size"`
		NTx    int       `json:"n_tx"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceBlockCypher, err)
	}
	return &domain.RawBlock{
		Hash:    raw.Hash,
		Height:  raw.Height,
		Time:    raw.Time.UTC(),
		Size:    raw.Size,
		TxCount: raw.NTx,
		Stub:    true, // tx listing would cost one call per transaction
	}, nil
}

func (a *BlockCypherAdapter) GetBlockTransactions(ctx context.Context, blockHash string, startIndex int) ([]domain.RawTx, error) {
	return nil, notSupported(SourceBlockCypher, "get_block_transactions")
}

func (a *BlockCypherAdapter) GetTransaction(ctx context.Context, txid string) (*domain.RawTx, error) {
	body, err := a.http.get(ctx, a.withToken(fmt.Sprintf("%s/v1/btc/main/txs/%s", a.baseURL, txid)))
	if err != nil {
		return nil, err
	}
	var raw struct {
		Hash        string     `json:"hash"`
		Size        int64      `json:"size"`
		Fees        int64      `json:"fees"` // sats
		BlockHeight int64      `json:"block_height"`
		Confirmed   *time.Time `json:"confirmed"`
		Inputs      []struct {
			PrevHash    string   `json:"prev_hash"`
			OutputIndex int      `json:"output_index"`
			OutputValue int64    `json:"output_value"` // sats
			Addresses   []string `json:"addresses"`
			ScriptType  string   `json:"script_type"`
		} `json:"inputs"`
		Outputs []struct {
			Value      int64    `json:"value"` // sats
			Addresses  []string `json:"addresses"`
			ScriptType string   `json:"script_type"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceBlockCypher, err)
	}

	tx := &domain.RawTx{
		Txid:   raw.Hash,
		Size:   raw.Size,
		Fee:    satToBTC(raw.Fees),
		Status: domain.TxMempool,
	}
	if raw.BlockHeight > 0 {
		tx.Status = domain.TxConfirmed
		tx.BlockHeight = raw.BlockHeight
	}
	if raw.Confirmed != nil {
		tx.Timestamp = raw.Confirmed.UTC()
	}
	for _, in := range raw.Inputs {
		v := satToBTC(in.OutputValue)
		input := domain.TxInput{PrevTxid: in.PrevHash, PrevVout: in.OutputIndex, Value: &v}
		if len(in.Addresses) > 0 {
			input.Address = in.Addresses[0]
		}
		tx.Vin = append(tx.Vin, input)
	}
	for _, out := range raw.Outputs {
		output := domain.TxOutput{Value: satToBTC(out.Value), ScriptType: out.ScriptType}
		if len(out.Addresses) > 0 {
			output.Address = out.Addresses[0]
		}
		tx.Vout = append(tx.Vout, output)
	}
	return tx, nil
}

// GetMempoolInfo reports the unconfirmed count from the chain endpoint;
// vsize and fee totals are not published, so the snapshot is incomplete.
func (a *BlockCypherAdapter) GetMempoolInfo(ctx context.Context) (*domain.MempoolSnapshot, error) {
	c, err := a.chain(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.MempoolSnapshot{
		PendingCount: c.UnconfirmedCount,
		Complete:     false,
	}, nil
}

// GetRecommendedFees derives five bands from the three per-kB buckets the
// chain endpoint exposes. sats/kB divided by 1000 approximates sat/vB.
func (a *BlockCypherAdapter) GetRecommendedFees(ctx context.Context) (*domain.FeeBands, error) {
	c, err := a.chain(ctx)
	if err != nil {
		return nil, err
	}
	perVB := func(perKB int64) float64 { return float64(perKB) / 1000.0 }
	return &domain.FeeBands{
		Fastest:  perVB(c.HighFeePerKB),
		HalfHour: perVB(c.HighFeePerKB),
		Hour:     perVB(c.MediumFeePerKB),
		Economy:  perVB(c.LowFeePerKB),
		Minimum:  perVB(c.LowFeePerKB),
	}, nil
}

func (a *BlockCypherAdapter) GetAddress(ctx context.Context, address string) (*domain.AddressInfo, error) {
	body, err := a.http.get(ctx, a.withToken(fmt.Sprintf("%s/v1/btc/main/addrs/%s/balance", a.baseURL, address)))
	if err != nil {
		return nil, err
	}
	var raw struct {
		Address       string `json:"address"`
		NTx           int64  `json:"n_tx"`
		TotalReceived int64  `json:"total_received"` // sats
		TotalSent     int64  `json:"total_sent"`     // sats
		FinalBalance  int64  `json:"final_balance"`  // sats
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceBlockCypher, err)
	}
	return &domain.AddressInfo{
		Address:          raw.Address,
		TxCount:          raw.NTx,
		TotalReceivedBTC: satToBTC(raw.TotalReceived),
		TotalSentBTC:     satToBTC(raw.TotalSent),
		BalanceBTC:       satToBTC(raw.FinalBalance),
	}, nil
}
