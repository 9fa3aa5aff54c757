package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func sampleSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Asset:     domain.AssetBTC,
		Timeframe: domain.Timeframe1h,
		Blockchain: domain.BlockchainMetrics{
			Height:         907000,
			BlocksAnalyzed: 6,
			TotalTx:        12000,
			AvgBlockSize:   1_400_000,
			AvgTxPerBlock:  2000,
			Complete:       true,
		},
		Mempool: domain.MempoolSnapshot{PendingCount: 42000, Complete: true},
		Whale: domain.WhaleMetrics{
			NetFlowBTC:     150,
			TotalVolumeBTC: 9000,
			Dominance:      0.35,
			Complete:       true,
		},
		DataCompleteness: 1.0,
	}
}

func sampleSignalRow() persistence.SignalRow {
	score := 85.0
	return persistence.NewSignalRow(
		time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		domain.AssetBTC, domain.Timeframe1h,
		domain.DerivedSignal{
			Signals:    domain.Signals{SmartMoneyAccumulation: true, WhaleFlowDominant: true},
			Score:      &score,
			Bias:       domain.BiasPositive,
			Confidence: 0.70,
		},
		domain.StateActive,
		"abc123",
	)
}

func TestMetricsRepo_Upsert_OnConflictUpdates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepo(db, time.Second)

	mock.ExpectExec(`INSERT INTO onchain_metrics .* ON CONFLICT \(ts, asset, timeframe\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), sampleSnapshot()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepo_Latest_DecodesJSONBSections(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepo(db, time.Second)

	snap := sampleSnapshot()
	blockchain, _ := json.Marshal(snap.Blockchain)
	mempool, _ := json.Marshal(snap.Mempool)
	whale, _ := json.Marshal(snap.Whale)

	rows := sqlmock.NewRows([]string{"ts", "asset", "timeframe", "height", "data_completeness", "blockchain", "mempool", "whale", "created_at"}).
		AddRow(snap.Timestamp, string(snap.Asset), string(snap.Timeframe), snap.Blockchain.Height, snap.DataCompleteness, blockchain, mempool, whale, time.Now())

	mock.ExpectQuery(`SELECT .* FROM onchain_metrics\s+WHERE asset = \$1 AND timeframe = \$2 ORDER BY ts DESC LIMIT 1`).
		WithArgs(string(snap.Asset), string(snap.Timeframe)).
		WillReturnRows(rows)

	got, err := repo.Latest(context.Background(), snap.Asset, snap.Timeframe)
	require.NoError(t, err)
	assert.Equal(t, snap.Blockchain, got.Blockchain)
	assert.Equal(t, snap.Whale, got.Whale)
	assert.Equal(t, snap.DataCompleteness, got.DataCompleteness)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsRepo_Latest_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMetricsRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .* FROM onchain_metrics`).
		WillReturnRows(sqlmock.NewRows([]string{"ts"}))

	_, err := repo.Latest(context.Background(), domain.AssetBTC, domain.Timeframe1h)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSignalsRepo_Upsert_OnConflictUpdates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSignalsRepo(db, time.Second)

	mock.ExpectExec(`INSERT INTO onchain_signals .* ON CONFLICT \(ts, asset, timeframe\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), sampleSignalRow()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWhaleRepo_InsertBatch_ConflictsIgnored(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWhaleRepo(db, time.Second)

	txs := []domain.WhaleTx{
		{Txid: "a", ValueBTC: 150, Tier: domain.TierWhale, FlowType: domain.FlowInflow},
		{Txid: "a", ValueBTC: 150, Tier: domain.TierWhale, FlowType: domain.FlowInflow},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO whale_txs .* ON CONFLICT \(txid\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO whale_txs .* ON CONFLICT \(txid\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertBatch(context.Background(), txs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWhaleRepo_InsertBatch_EmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewWhaleRepo(db, time.Second)

	require.NoError(t, repo.InsertBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_Insert_ConflictIgnored(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepo(db, time.Second)

	mock.ExpectExec(`INSERT INTO audit_records .* ON CONFLICT \(calculation_hash\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &domain.AuditRecord{
		CalculationHash: "hash",
		Asset:           domain.AssetBTC,
		Timeframe:       domain.Timeframe1h,
		Timestamp:       time.Now().UTC(),
		InputDataHash:   "in",
		ConfigHash:      "cfg",
		OutputSnapshot:  []byte(`{}`),
	}
	require.NoError(t, repo.Insert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sampleAuditRecord() *domain.AuditRecord {
	return &domain.AuditRecord{
		CalculationHash: "hash",
		Asset:           domain.AssetBTC,
		Timeframe:       domain.Timeframe1h,
		Timestamp:       time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		InputDataHash:   "in",
		ConfigHash:      "cfg",
		OutputSnapshot:  []byte(`{}`),
	}
}

func TestStore_SaveTick_SingleTransactionInOrder(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db)

	snap := sampleSnapshot()
	snap.Whale.TxRecords = []domain.WhaleTx{{Txid: "w1", ValueBTC: 200, Tier: domain.TierWhale, FlowType: domain.FlowUnknown}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO onchain_metrics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO onchain_signals`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO whale_txs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveTick(context.Background(), snap, sampleSignalRow(), sampleAuditRecord()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveTick_RollsBackOnSignalFailure(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO onchain_metrics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO onchain_signals`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.SaveTick(context.Background(), sampleSnapshot(), sampleSignalRow(), sampleAuditRecord())
	require.Error(t, err)
	var perr *persistence.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveTick_AuditFailureRollsBackWholeTick(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO onchain_metrics`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO onchain_signals`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_records`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.SaveTick(context.Background(), sampleSnapshot(), sampleSignalRow(), sampleAuditRecord())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
