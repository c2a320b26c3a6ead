package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/artifact"
	"github.com/tunogya/visionquant/pkg/backtest"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/feature"
	"github.com/tunogya/visionquant/pkg/index"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/outcome"
	"github.com/tunogya/visionquant/pkg/recorder"
	"github.com/tunogya/visionquant/pkg/rerank"
	"github.com/tunogya/visionquant/pkg/scorer"
	"github.com/tunogya/visionquant/pkg/window"
)

const (
	// DefaultTopK is the number of matches returned when a query does not say.
	DefaultTopK = 10
	// NeutralWinRate stands in for the vision factor when no prediction is available.
	NeutralWinRate = 50.0

	// reranking looks at this many times more candidates than it returns
	rerankCandidates = 3
	// extra bars fetched ahead of the longest indicator warmup
	warmupMargin = 40
)

// Sources of the win rate used by Score.
const (
	WinRateFromRequest    = "request"
	WinRateFromPrediction = "prediction"
	WinRateNeutral        = "neutral"
)

// Config holds the query-side parameters.
type Config struct {
	Interval  string
	Barrier   outcome.BarrierConfig
	Predictor outcome.PredictorConfig
	Scorer    scorer.Config
}

// DefaultConfig returns default query parameters.
func DefaultConfig() Config {
	return Config{
		Interval:  data.DefaultTimeframe,
		Barrier:   outcome.DefaultBarrierConfig(),
		Predictor: outcome.DefaultPredictorConfig(),
		Scorer:    scorer.DefaultConfig(),
	}
}

// Service runs status, search, predict, score, analyze and backtest queries.
type Service struct {
	holder       *Holder
	provider     data.CandleProvider
	fundamentals data.FundamentalsProvider
	recorder     recorder.Recorder
	reranker     *rerank.Reranker

	interval  string
	barrier   outcome.BarrierConfig
	predictor *outcome.Predictor
	scorer    *scorer.Scorer

	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithFundamentals enables the fundamental factor; without it the factor is neutral.
func WithFundamentals(p data.FundamentalsProvider) Option {
	return func(s *Service) { s.fundamentals = p }
}

// WithRecorder journals scorecards and backtests to r.
func WithRecorder(r recorder.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTimeDecay reranks matches so recent patterns weigh more.
func WithTimeDecay(cfg rerank.TimeDecayConfig) Option {
	return func(s *Service) { s.reranker = rerank.NewReranker(cfg) }
}

// NewService creates a query service reading generations through holder and
// query bars from provider.
func NewService(holder *Holder, provider data.CandleProvider, cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Barrier.Validate(); err != nil {
		return nil, fmt.Errorf("barrier: %w", err)
	}
	sc, err := scorer.New(cfg.Scorer)
	if err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}
	if cfg.Interval == "" {
		cfg.Interval = data.DefaultTimeframe
	}
	s := &Service{
		holder:    holder,
		provider:  provider,
		recorder:  recorder.NewNoopRecorder(),
		interval:  cfg.Interval,
		barrier:   cfg.Barrier,
		predictor: outcome.NewPredictor(cfg.Predictor),
		scorer:    sc,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Holder exposes the handle holder, e.g. to swap in a fresh build.
func (s *Service) Holder() *Holder { return s.holder }

// Status describes the live generation.
type Status struct {
	IndexReady  bool   `json:"index_ready"`
	Building    bool   `json:"building"`
	ModelExists bool   `json:"model_exists"`
	IndexExists bool   `json:"index_exists"`
	MetaExists  bool   `json:"meta_exists"`
	NRecords    int    `json:"n_records"`
	DataDir     string `json:"data_dir"`
	Generation  string `json:"generation,omitempty"`

	// Set once the live generation has been loaded for queries.
	LoadedAt *time.Time        `json:"loaded_at,omitempty"`
	Build    map[string]string `json:"build,omitempty"`
}

// Status reports whether a complete generation is live. It reads file
// headers only and never loads the model.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	layout := s.holder.Layout()
	st := &Status{DataDir: layout.DataDir(), Building: layout.Locked()}

	name, err := layout.Current()
	if errors.Is(err, artifact.ErrNoGeneration) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.Generation = name

	paths := layout.Generation(name)
	presence := paths.Check()
	st.ModelExists, st.IndexExists, st.MetaExists = presence.Model, presence.Index, presence.Meta
	if presence.Index {
		if h := s.holder.Peek(); h != nil && h.Generation() == name {
			st.NRecords = h.Len()
			loaded := h.LoadedAt()
			st.LoadedAt = &loaded
			st.Build = h.Meta()
		} else if _, n, err := index.Stat(paths.Index); err == nil {
			st.NRecords = n
		} else {
			s.logger.Warn("Failed to read index header", zap.String("path", paths.Index), zap.Error(err))
		}
	}
	st.IndexReady = presence.Complete() && st.NRecords > 0
	return st, nil
}

// Query selects the chart to match: the window of bars ending on Date, or
// the latest bars when Date is zero.
type Query struct {
	Symbol string
	Date   time.Time
	TopK   int
	// MinScore drops matches scoring below it after reranking; nil keeps all.
	MinScore *float64
}

// Hit is one ranked match.
type Hit struct {
	ID         int64   `json:"id"`
	Symbol     string  `json:"symbol"`
	Date       string  `json:"date"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	TimeWeight float64 `json:"time_weight"`
	ImagePath  string  `json:"image_path"`

	Regime feature.Regime `json:"regime"`
}

// SearchResult lists the matches for a query window.
type SearchResult struct {
	Symbol     string         `json:"symbol"`
	Date       string         `json:"date"`
	Generation string         `json:"generation"`
	Regime     feature.Regime `json:"regime"`
	Matches    []Hit          `json:"matches"`
}

// Search embeds the query window and returns its nearest labelable patterns.
func (s *Service) Search(ctx context.Context, q Query) (*SearchResult, error) {
	h, err := s.holder.Get(ctx)
	if err != nil {
		return nil, err
	}
	candles, err := s.fetch(ctx, q.Symbol, q.Date, h.Window()+warmupMargin)
	if err != nil {
		return nil, err
	}
	w, ranked, err := s.rank(h, q, candles)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{
		Symbol:     q.Symbol,
		Date:       w.EndDate.Format(model.DateLayout),
		Generation: h.Generation(),
		Regime:     feature.Describe(w.Candles),
		Matches:    make([]Hit, len(ranked)),
	}
	for i, r := range ranked {
		res.Matches[i] = Hit{
			ID:         r.Pattern.ID,
			Symbol:     r.Pattern.Symbol,
			Date:       r.Pattern.EndDate.Format(model.DateLayout),
			Score:      r.Score,
			Similarity: r.OriginalScore,
			TimeWeight: r.TimeWeight,
			ImagePath:  h.Paths().Resolve(r.Pattern.ImagePath),
			Regime:     h.Regime(r.Pattern),
		}
	}
	return res, nil
}

// PredictResult is the outcome distribution of a query's matches.
type PredictResult struct {
	Symbol     string             `json:"symbol"`
	Date       string             `json:"date"`
	Generation string             `json:"generation"`
	Prediction outcome.Prediction `json:"prediction"`
}

// Predict labels what followed each match and aggregates the labels.
func (s *Service) Predict(ctx context.Context, q Query) (*PredictResult, error) {
	h, err := s.holder.Get(ctx)
	if err != nil {
		return nil, err
	}
	candles, err := s.fetch(ctx, q.Symbol, q.Date, h.Window()+warmupMargin)
	if err != nil {
		return nil, err
	}
	return s.predict(h, q, candles)
}

func (s *Service) predict(h *Handle, q Query, candles []model.Candle) (*PredictResult, error) {
	w, ranked, err := s.rank(h, q, candles)
	if err != nil {
		return nil, err
	}

	cfg := s.barrier
	cfg.MaxHold = h.MaxHold()
	labeler, err := outcome.NewLabeler(cfg)
	if err != nil {
		return nil, err
	}

	outcomes := make([]outcome.MatchOutcome, 0, len(ranked))
	for _, r := range ranked {
		res, err := h.Outcome(labeler, r.Pattern)
		if err != nil {
			s.logger.Warn("Skipping match: cannot label",
				zap.Int64("pattern_id", r.Pattern.ID),
				zap.String("symbol", r.Pattern.Symbol),
				zap.Error(err))
			continue
		}
		outcomes = append(outcomes, outcome.MatchOutcome{
			Symbol: r.Pattern.Symbol,
			Date:   r.Pattern.EndDate,
			Score:  r.Score,
			Result: res,
		})
	}

	return &PredictResult{
		Symbol:     q.Symbol,
		Date:       w.EndDate.Format(model.DateLayout),
		Generation: h.Generation(),
		Prediction: s.predictor.Predict(outcomes),
	}, nil
}

// rank builds the query window from candles, embeds it and returns the top
// matches, reranked by age when time decay is enabled and cut at the
// query's minimum score. Patterns whose
// forward horizon had not closed by the window end are never returned.
func (s *Service) rank(h *Handle, q Query, candles []model.Candle) (*model.Window, []rerank.Ranked, error) {
	w, err := window.Latest(q.Symbol, candles, h.Window())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", data.ErrNoData, err)
	}
	vec, err := h.Embed(w)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed query chart: %w", err)
	}

	k := q.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	candidates := k
	if s.reranker != nil {
		candidates *= rerankCandidates
	}
	matches, err := h.Search(vec, candidates, w.EndDate)
	if err != nil {
		return nil, nil, err
	}

	var ranked []rerank.Ranked
	if s.reranker != nil {
		ranked = s.reranker.TopN(matches, w.EndDate, k)
	} else {
		ranked = make([]rerank.Ranked, len(matches))
		for i, m := range matches {
			ranked[i] = rerank.Ranked{Match: m, OriginalScore: m.Score, TimeWeight: 1}
		}
	}
	if q.MinScore != nil {
		ranked = rerank.FilterByMinScore(ranked, *q.MinScore)
	}
	return w, ranked, nil
}

// ScoreQuery asks for a scorecard. A nil WinRate is derived from a
// prediction when an index is live, else the neutral rate is used.
type ScoreQuery struct {
	Symbol   string
	Date     time.Time
	WinRate  *float64
	TopK     int
	MinScore *float64
}

// ScoreResult is a scorecard plus where its win rate came from.
type ScoreResult struct {
	scorer.Scorecard
	WinRateSource string `json:"win_rate_source"`
}

// Score computes the composite scorecard for a symbol.
func (s *Service) Score(ctx context.Context, q ScoreQuery) (*ScoreResult, error) {
	need := s.scoreWarmup()
	var h *Handle
	if q.WinRate == nil {
		var err error
		h, err = s.holder.Get(ctx)
		if err != nil {
			if !errors.Is(err, ErrIndexNotReady) {
				return nil, err
			}
			s.logger.Warn("No index for vision factor, using neutral win rate", zap.String("symbol", q.Symbol))
		} else if h.Window() > need {
			need = h.Window()
		}
	}

	candles, err := s.fetch(ctx, q.Symbol, q.Date, need+warmupMargin)
	if err != nil {
		return nil, err
	}

	winRate, source := NeutralWinRate, WinRateNeutral
	switch {
	case q.WinRate != nil:
		winRate, source = *q.WinRate, WinRateFromRequest
	case h != nil:
		pred, err := s.predict(h, Query{Symbol: q.Symbol, Date: q.Date, TopK: q.TopK, MinScore: q.MinScore}, candles)
		if err != nil {
			return nil, err
		}
		if pred.Prediction.Valid {
			winRate, source = pred.Prediction.WinRate, WinRateFromPrediction
		} else {
			s.logger.Warn("Prediction invalid, using neutral win rate",
				zap.String("symbol", q.Symbol), zap.String("reason", pred.Prediction.Reason))
		}
	}
	return s.score(ctx, q.Symbol, candles, winRate, source), nil
}

func (s *Service) score(ctx context.Context, symbol string, candles []model.Candle, winRate float64, source string) *ScoreResult {
	var date time.Time
	if n := len(candles); n > 0 {
		date = model.Date(candles[n-1].OpenTime)
	}
	card := s.scorer.Score(scorer.Input{
		Symbol:       symbol,
		Date:         date,
		WinRate:      winRate,
		Fundamentals: s.lookupFundamentals(ctx, symbol),
		Closes:       model.Closes(candles),
	})
	if s.fundamentals == nil {
		card.Fundamental.Note = NoteFundamentalsNotConfigured
	}

	err := s.recorder.RecordScorecard(ctx, &recorder.ScorecardRun{
		Symbol:      card.Symbol,
		Date:        card.Date,
		Total:       card.TotalScore,
		Vision:      card.Vision.Score,
		Fundamental: card.Fundamental.Score,
		Technical:   card.Technical.Score,
		Action:      card.Action,
		WinRate:     winRate,
	})
	if err != nil {
		s.logger.Warn("Failed to record scorecard", zap.String("symbol", symbol), zap.Error(err))
	}
	return &ScoreResult{Scorecard: card, WinRateSource: source}
}

// NoteFundamentalsNotConfigured marks a neutral fundamental score produced
// because no fundamentals provider was wired.
const NoteFundamentalsNotConfigured = "fundamentals provider not configured"

func (s *Service) lookupFundamentals(ctx context.Context, symbol string) *model.Fundamentals {
	if s.fundamentals == nil {
		return nil
	}
	f, err := s.fundamentals.Fundamentals(ctx, symbol)
	if err != nil {
		s.logger.Warn("Fundamentals unavailable, scoring neutral", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	return f
}

// AnalyzeResult combines a prediction with the scorecard it implies.
type AnalyzeResult struct {
	Symbol     string             `json:"symbol"`
	Date       string             `json:"date"`
	Generation string             `json:"generation"`
	Prediction outcome.Prediction `json:"prediction"`
	Scorecard  *ScoreResult       `json:"scorecard"`
}

// Analyze predicts from the query's matches and scores the symbol with the
// resulting win rate, all on one fetch of bars.
func (s *Service) Analyze(ctx context.Context, q Query) (*AnalyzeResult, error) {
	h, err := s.holder.Get(ctx)
	if err != nil {
		return nil, err
	}
	need := s.scoreWarmup()
	if h.Window() > need {
		need = h.Window()
	}
	candles, err := s.fetch(ctx, q.Symbol, q.Date, need+warmupMargin)
	if err != nil {
		return nil, err
	}

	pred, err := s.predict(h, q, candles)
	if err != nil {
		return nil, err
	}
	winRate, source := NeutralWinRate, WinRateNeutral
	if pred.Prediction.Valid {
		winRate, source = pred.Prediction.WinRate, WinRateFromPrediction
	}
	return &AnalyzeResult{
		Symbol:     pred.Symbol,
		Date:       pred.Date,
		Generation: pred.Generation,
		Prediction: pred.Prediction,
		Scorecard:  s.score(ctx, q.Symbol, candles, winRate, source),
	}, nil
}

// BacktestQuery selects the bars and strategy parameters of a backtest.
type BacktestQuery struct {
	Symbol string
	Start  time.Time
	End    time.Time // zero means up to now
	Config backtest.Config
}

// Backtest runs the MA+RSI+MACD strategy over the symbol's bars.
func (s *Service) Backtest(ctx context.Context, q BacktestQuery) (*backtest.Result, error) {
	end := endOfDay(q.End)
	if q.End.IsZero() {
		end = s.now().UTC()
	}
	candles, err := s.provider.FetchCandles(ctx, q.Symbol, s.interval, q.Start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", q.Symbol, err)
	}
	res, err := backtest.Run(q.Symbol, validOnly(candles), q.Config)
	if err != nil {
		return nil, err
	}

	err = s.recorder.RecordBacktest(ctx, &recorder.BacktestRun{
		Symbol:         res.Symbol,
		Start:          res.Start,
		End:            res.End,
		InitialCapital: res.InitialCapital,
		FinalEquity:    res.FinalEquity,
		ReturnPct:      res.ReturnPct,
		SharpeRatio:    res.SharpeRatio,
		MaxDrawdownPct: res.MaxDrawdownPct,
		TotalTrades:    res.TotalTrades,
		WinRate:        res.WinRate,
		ProfitFactor:   res.ProfitFactor,
	})
	if err != nil {
		s.logger.Warn("Failed to record backtest", zap.String("symbol", q.Symbol), zap.Error(err))
	}
	return res, nil
}

// fetch returns valid bars of symbol ending on date (or now), reaching back
// far enough for about bars trading days.
func (s *Service) fetch(ctx context.Context, symbol string, date time.Time, bars int) ([]model.Candle, error) {
	end := endOfDay(date)
	if date.IsZero() {
		end = s.now().UTC()
	}
	candles, err := s.provider.FetchCandles(ctx, symbol, s.interval, end.Add(-data.Lookback(bars)), end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", symbol, err)
	}
	candles = validOnly(candles)
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w for %s up to %s", data.ErrNoData, symbol, end.Format(model.DateLayout))
	}
	return candles, nil
}

func (s *Service) scoreWarmup() int {
	cfg := s.scorer.Config()
	need := cfg.MAPeriod
	if m := cfg.MACDSlow + cfg.MACDSignal; m > need {
		need = m
	}
	if r := cfg.RSIPeriod + 1; r > need {
		need = r
	}
	return need
}

func endOfDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return model.Date(t).Add(24*time.Hour - time.Nanosecond)
}

func validOnly(candles []model.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}
