package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainpulse/chainpulse/internal/domain"
)

const SourceBlockchainInfo = "blockchain_info"

// BlockchainInfoAdapter wraps the blockchain.info REST API (fallback-1).
// Blocks arrive with their full transaction list inline, values are in
// satoshi, and there is no fee recommendation endpoint.
type BlockchainInfoAdapter struct {
	baseURL string
	apiKey  string
	http    *httpClient
}

// NewBlockchainInfo builds the first fallback adapter. The API key is
// optional and only raises rate limits when present.
func NewBlockchainInfo(opts Options) *BlockchainInfoAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://blockchain.info"
	}
	return &BlockchainInfoAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    newHTTPClient(SourceBlockchainInfo, opts),
	}
}

func (a *BlockchainInfoAdapter) Name() string { return SourceBlockchainInfo }

func (a *BlockchainInfoAdapter) withKey(url string) string {
	if a.apiKey == "" {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "api_code=" + a.apiKey
}

func (a *BlockchainInfoAdapter) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := a.http.get(ctx, a.withKey(a.baseURL+"/q/getblockcount"))
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, decodeErr(SourceBlockchainInfo, err)
	}
	return height, nil
}

type bciTx struct {
	Hash   string `json:"hash"`
	Size   int64  `json:"size"`
	Weight int64  `json:"weight"`
	Fee    int64  `json:"fee"` // sats
	Time   int64  `json:"time"`
	Height int64  `json:"block_height"`
	Inputs []struct {
		PrevOut *struct {
			Addr    string `json:"addr"`
			Value   int64  `json:"value"` // sats
			TxIndex int64  `json:"tx_index"`
			N       int    `json:"n"`
			Script  string `json:"script"`
		} `json:"prev_out"`
	} `json:"inputs"`
	Out []struct {
		Addr  string `json:"addr"`
		Value int64  `json:"value"` // sats
	} `json:"out"`
}

func (t bciTx) normalize() domain.RawTx {
	tx := domain.RawTx{
		Txid:        t.Hash,
		Size:        t.Size,
		Weight:      t.Weight,
		Fee:         satToBTC(t.Fee),
		Status:      domain.TxConfirmed,
		BlockHeight: t.Height,
	}
	if t.Height == 0 {
		tx.Status = domain.TxMempool
	}
	if t.Time > 0 {
		tx.Timestamp = time.Unix(t.Time, 0).UTC()
	}
	for _, in := range t.Inputs {
		input := domain.TxInput{}
		if in.PrevOut != nil {
			v := satToBTC(in.PrevOut.Value)
			input.Value = &v
			input.Address = in.PrevOut.Addr
			input.PrevVout = in.PrevOut.N
		}
		tx.Vin = append(tx.Vin, input)
	}
	for _, out := range t.Out {
		tx.Vout = append(tx.Vout, domain.TxOutput{
			Value:   satToBTC(out.Value),
			Address: out.Addr,
		})
	}
	return tx
}

type bciBlock struct {
	Hash   string  `json:"hash"`
	Height int64   `json:"height"`
	Time   int64   `json:"time"`
	Size   int64   `json:"size"`
	NTx    int     `json:"n_tx"`
	Tx     []bciTx `json:"tx"`
}

func (b bciBlock) normalize() *domain.RawBlock {
	block := &domain.RawBlock{
		Hash:    b.Hash,
		Height:  b.Height,
		Time:    time.Unix(b.Time, 0).UTC(),
		Size:    b.Size,
		TxCount: b.NTx,
	}
	for _, t := range b.Tx {
		tx := t.normalize()
		if tx.BlockHeight == 0 {
			tx.BlockHeight = b.Height
			tx.Status = domain.TxConfirmed
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block
}

func (a *BlockchainInfoAdapter) GetBlock(ctx context.Context, ref BlockRef) (*domain.RawBlock, error) {
	if ref.Hash != "" {
		body, err := a.http.get(ctx, a.withKey(a.baseURL+"/rawblock/"+ref.Hash))
		if err != nil {
			return nil, err
		}
		var raw bciBlock
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, decodeErr(SourceBlockchainInfo, err)
		}
		return raw.normalize(), nil
	}

	body, err := a.http.get(ctx, a.withKey(fmt.Sprintf("%s/block-height/%d?format=json", a.baseURL, ref.Height)))
	if err != nil {
		return nil, err
	}
	var raw struct {
		Blocks []bciBlock `json:"blocks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceBlockchainInfo, err)
	}
	if len(raw.Blocks) == 0 {
		return nil, &AdapterError{Source: SourceBlockchainInfo, Kind: ErrDecode, Message: fmt.Sprintf("no block at height %d", ref.Height)}
	}
	// Multiple blocks at a height means a stale fork entry; the first one
	// is the main chain.
	return raw.Blocks[0].normalize(), nil
}

// GetBlockTransactions is unnecessary here: rawblock responses carry the
// full transaction list inline.
func (a *BlockchainInfoAdapter) GetBlockTransactions(ctx context.Context, blockHash string, startIndex int) ([]domain.RawTx, error) {
	return nil, notSupported(SourceBlockchainInfo, "get_block_transactions")
}

func (a *BlockchainInfoAdapter) GetTransaction(ctx context.Context, txid string) (*domain.RawTx, error) {
	body, err := a.http.get(ctx, a.withKey(a.baseURL+"/rawtx/"+txid))
	if err != nil {
		return nil, err
	}
	var raw bciTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceBlockchainInfo, err)
	}
	tx := raw.normalize()
	return &tx, nil
}

// GetMempoolInfo only knows the pending transaction count; vsize and fee
// totals are unavailable, so the snapshot is marked incomplete.
func (a *BlockchainInfoAdapter) GetMempoolInfo(ctx context.Context) (*domain.MempoolSnapshot, error) {
	body, err := a.http.get(ctx, a.withKey(a.baseURL+"/q/unconfirmedcount"))
	if err != nil {
		return nil, err
	}
	count, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return nil, decodeErr(SourceBlockchainInfo, err)
	}
	return &domain.MempoolSnapshot{
		PendingCount: count,
		Complete:     false,
	}, nil
}

func (a *BlockchainInfoAdapter) GetRecommendedFees(ctx context.Context) (*domain.FeeBands, error) {
	return nil, notSupported(SourceBlockchainInfo, "get_recommended_fees")
}

func (a *BlockchainInfoAdapter) GetAddress(ctx context.Context, address string) (*domain.AddressInfo, error) {
	body, err := a.http.get(ctx, a.withKey(a.baseURL+"/rawaddr/"+address))
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
		return nil, decodeErr(SourceBlockchainInfo, err)
	}
	return &domain.AddressInfo{
		Address:          raw.Address,
		TxCount:          raw.NTx,
		TotalReceivedBTC: satToBTC(raw.TotalReceived),
		TotalSentBTC:     satToBTC(raw.TotalSent),
		BalanceBTC:       satToBTC(raw.FinalBalance),
	}, nil
}
