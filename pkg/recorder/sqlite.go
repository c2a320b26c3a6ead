package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists run history to a SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, logger *zap.Logger) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the server read history while a build writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger, now: time.Now}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("SQLite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS build_runs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			finished_at     INTEGER NOT NULL,
			status          TEXT NOT NULL,
			error           TEXT,
			symbols_count   INTEGER,
			images_count    INTEGER,
			vectors_count   INTEGER,
			skipped_symbols INTEGER,
			best_loss       REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_finished ON build_runs(finished_at)`,

		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp        INTEGER NOT NULL,
			symbol           TEXT NOT NULL,
			start_date       TEXT,
			end_date         TEXT,
			initial_capital  REAL,
			final_equity     REAL,
			return_pct       REAL,
			sharpe_ratio     REAL,
			max_drawdown_pct REAL,
			total_trades     INTEGER,
			win_rate         REAL,
			profit_factor    REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_symbol ON backtest_runs(symbol)`,

		`CREATE TABLE IF NOT EXISTS scorecards (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   INTEGER NOT NULL,
			symbol      TEXT NOT NULL,
			as_of       TEXT,
			total       REAL,
			vision      REAL,
			fundamental REAL,
			technical   REAL,
			action      TEXT,
			win_rate    REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scorecards_symbol ON scorecards(symbol)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordBuild(ctx context.Context, run *BuildRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO build_runs
		(run_id, started_at, finished_at, status, error,
		 symbols_count, images_count, vectors_count, skipped_symbols, best_loss)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.RunID, run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Status, run.Error,
		run.SymbolsCount, run.ImagesCount, run.VectorsCount, run.SkippedSymbols, run.BestLoss,
	)
	return err
}

func (r *SQLiteRecorder) RecordBacktest(ctx context.Context, run *BacktestRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO backtest_runs
		(timestamp, symbol, start_date, end_date, initial_capital, final_equity,
		 return_pct, sharpe_ratio, max_drawdown_pct, total_trades, win_rate, profit_factor)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.now().Unix(), run.Symbol, run.Start, run.End, run.InitialCapital, run.FinalEquity,
		run.ReturnPct, run.SharpeRatio, run.MaxDrawdownPct, run.TotalTrades, run.WinRate, run.ProfitFactor,
	)
	return err
}

func (r *SQLiteRecorder) RecordScorecard(ctx context.Context, run *ScorecardRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO scorecards
		(timestamp, symbol, as_of, total, vision, fundamental, technical, action, win_rate)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		r.now().Unix(), run.Symbol, run.Date, run.Total, run.Vision, run.Fundamental,
		run.Technical, run.Action, run.WinRate,
	)
	return err
}

// RecentBuilds returns up to limit builds, newest first.
func (r *SQLiteRecorder) RecentBuilds(ctx context.Context, limit int) ([]BuildRun, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT run_id, started_at, finished_at, status, error,
		symbols_count, images_count, vectors_count, skipped_symbols, best_loss
		FROM build_runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BuildRun
	for rows.Next() {
		var b BuildRun
		var started, finished int64
		var errText sql.NullString
		if err := rows.Scan(&b.RunID, &started, &finished, &b.Status, &errText,
			&b.SymbolsCount, &b.ImagesCount, &b.VectorsCount, &b.SkippedSymbols, &b.BestLoss); err != nil {
			return nil, err
		}
		b.StartedAt = time.Unix(started, 0).UTC()
		b.FinishedAt = time.Unix(finished, 0).UTC()
		b.Error = errText.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	r.logger.Info("SQLite recorder closed")
	return r.db.Close()
}
