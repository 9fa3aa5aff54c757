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

const SourceMempoolSpace = "mempool_space"

// MempoolSpaceAdapter wraps the mempool.space REST API. It is the primary
// source: the only upstream with full mempool depth and fee-band support.
type MempoolSpaceAdapter struct {
	baseURL string
	http    *httpClient
}

// NewMempoolSpace builds the primary adapter.
func NewMempoolSpace(opts Options) *MempoolSpaceAdapter {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://mempool.space"
	}
	return &MempoolSpaceAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    newHTTPClient(SourceMempoolSpace, opts),
	}
}

func (a *MempoolSpaceAdapter) Name() string { return SourceMempoolSpace }

func (a *MempoolSpaceAdapter) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := a.http.get(ctx, a.baseURL+"/api/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, decodeErr(SourceMempoolSpace, err)
	}
	return height, nil
}

type msBlock struct {
	ID        string `json:"id"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Size      int64  `json:"size"`
	TxCount   int    `json:"tx_count"`
}

func (a *MempoolSpaceAdapter) GetBlock(ctx context.Context, ref BlockRef) (*domain.RawBlock, error) {
	hash := ref.Hash
	if hash == "" {
		body, err := a.http.get(ctx, fmt.Sprintf("%s/api/block-height/%d", a.baseURL, ref.Height))
		if err != nil {
			return nil, err
		}
		hash = strings.TrimSpace(string(body))
	}

	body, err := a.http.get(ctx, a.baseURL+"/api/block/"+hash)
	if err != nil {
		return nil, err
	}
	var mb msBlock
	if err := json.Unmarshal(body, &mb); err != nil {
		return nil, decodeErr(SourceMempoolSpace, err)
	}

	block := &domain.RawBlock{
		Hash:    mb.ID,
		Height:  mb.Height,
		Time:    time.Unix(mb.Timestamp, 0).UTC(),
		Size:    mb.Size,
		TxCount: mb.TxCount,
	}

	txs, err := a.GetBlockTransactions(ctx, hash, 0)
	if err != nil {
		// Block metadata is still useful without the tx listing; mark the
		// block as a stub so the aggregator can account for it.
		block.Stub = true
		return block, nil
	}
	block.Transactions = txs
	return block, nil
}

type msTx struct {
	Txid   string `json:"txid"`
	Size   int64  `json:"size"`
	Weight int64  `json:"weight"`
	Fee    int64  `json:"fee"` // sats
	Vin    []struct {
		Txid    string `json:"txid"`
		Vout    int    `json:"vout"`
		Prevout *struct {
			Address    string `json:"scriptpubkey_address"`
			Value      int64  `json:"value"` // sats
			ScriptType string `json:"scriptpubkey_type"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Address    string `json:"scriptpubkey_address"`
		Value      int64  `json:"value"` // sats
		ScriptType string `json:"scriptpubkey_type"`
	} `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
}

func (t msTx) normalize() domain.RawTx {
	tx := domain.RawTx{
		Txid:   t.Txid,
		Size:   t.Size,
		Weight: t.Weight,
		Fee:    satToBTC(t.Fee),
		Status: domain.TxMempool,
	}
	if t.Status.Confirmed {
		tx.Status = domain.TxConfirmed
		tx.BlockHeight = t.Status.BlockHeight
		tx.Timestamp = time.Unix(t.Status.BlockTime, 0).UTC()
	}
	for _, in := range t.Vin {
		input := domain.TxInput{PrevTxid: in.Txid, PrevVout: in.Vout}
		if in.Prevout != nil {
			v := satToBTC(in.Prevout.Value)
			input.Value = &v
			input.Address = in.Prevout.Address
		}
		tx.Vin = append(tx.Vin, input)
	}
	for _, out := range t.Vout {
		tx.Vout = append(tx.Vout, domain.TxOutput{
			Value:      satToBTC(out.Value),
			Address:    out.Address,
			ScriptType: out.ScriptType,
		})
	}
	return tx
}

func (a *MempoolSpaceAdapter) GetBlockTransactions(ctx context.Context, blockHash string, startIndex int) ([]domain.RawTx, error) {
	url := fmt.Sprintf("%s/api/block/%s/txs", a.baseURL, blockHash)
	if startIndex > 0 {
		url = fmt.Sprintf("%s/%d", url, startIndex)
	}
	body, err := a.http.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var raw []msTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceMempoolSpace, err)
	}
	txs := make([]domain.RawTx, 0, len(raw))
	for _, t := range raw {
		txs = append(txs, t.normalize())
	}
	return txs, nil
}

func (a *MempoolSpaceAdapter) GetTransaction(ctx context.Context, txid string) (*domain.RawTx, error) {
	body, err := a.http.get(ctx, a.baseURL+"/api/tx/"+txid)
	if err != nil {
		return nil, err
	}
	var raw msTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceMempoolSpace, err)
	}
	tx := raw.normalize()
	return &tx, nil
}

func (a *MempoolSpaceAdapter) GetMempoolInfo(ctx context.Context) (*domain.MempoolSnapshot, error) {
	body, err := a.http.get(ctx, a.baseURL+"/api/mempool")
	if err != nil {
		return nil, err
	}
	var raw struct {
		Count    int64 `json:"count"`
		Vsize    int64 `json:"vsize"`
		TotalFee int64 `json:"total_fee"` // sats
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceMempoolSpace, err)
	}

	snap := &domain.MempoolSnapshot{
		PendingCount: raw.Count,
		VsizeBytes:   raw.Vsize,
		TotalFeeBTC:  satToBTC(raw.TotalFee),
		Complete:     true,
	}
	if fees, err := a.GetRecommendedFees(ctx); err == nil {
		snap.FeeBands = *fees
	} else {
		snap.Complete = false
	}
	return snap, nil
}

func (a *MempoolSpaceAdapter) GetRecommendedFees(ctx context.Context) (*domain.FeeBands, error) {
	body, err := a.http.get(ctx, a.baseURL+"/api/v1/fees/recommended")
	if err != nil {
		return nil, err
	}
	var raw struct {
		FastestFee  float64 `json:"fastestFee"`
		HalfHourFee float64 `json:"halfHourFee"`
		HourFee     float64 `json:"hourFee"`
		EconomyFee  float64 `json:"economyFee"`
		MinimumFee  float64 `json:"minimumFee"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceMempoolSpace, err)
	}
	return &domain.FeeBands{
		Fastest:  raw.FastestFee,
		HalfHour: raw.HalfHourFee,
		Hour:     raw.HourFee,
		Economy:  raw.EconomyFee,
		Minimum:  raw.MinimumFee,
	}, nil
}

func (a *MempoolSpaceAdapter) GetAddress(ctx context.Context, address string) (*domain.AddressInfo, error) {
	body, err := a.http.get(ctx, a.baseURL+"/api/address/"+address)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Address    string `json:"address"`
		ChainStats struct {
			FundedTxoSum int64 `json:"funded_txo_sum"` // sats
			SpentTxoSum  int64 `json:"spent_txo_sum"`  // sats
			TxCount      int64 `json:"tx_count"`
		} `json:"chain_stats"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, decodeErr(SourceMempoolSpace, err)
	}
	return &domain.AddressInfo{
		Address:          raw.Address,
		TxCount:          raw.ChainStats.TxCount,
		TotalReceivedBTC: satToBTC(raw.ChainStats.FundedTxoSum),
		TotalSentBTC:     satToBTC(raw.ChainStats.SpentTxoSum),
		BalanceBTC:       satToBTC(raw.ChainStats.FundedTxoSum - raw.ChainStats.SpentTxoSum),
	}, nil
}
