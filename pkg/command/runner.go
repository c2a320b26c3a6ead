// Package command implements the JSON command protocol shared by the CLI
// and the HTTP server: every command takes a JSON object of parameters and
// returns a JSON object with an explicit success flag.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/builder"
	"github.com/tunogya/visionquant/pkg/chart"
	"github.com/tunogya/visionquant/pkg/config"
	"github.com/tunogya/visionquant/pkg/data"
	"github.com/tunogya/visionquant/pkg/engine"
	"github.com/tunogya/visionquant/pkg/events"
	"github.com/tunogya/visionquant/pkg/model"
	"github.com/tunogya/visionquant/pkg/vision"
)

// Command names
const (
	Build    = "build"
	Status   = "status"
	Backtest = "backtest"
	Score    = "score"
	Search   = "search"
	Predict  = "predict"
	Analyze  = "analyze"
)

// ErrUnknownCommand is returned for names outside the protocol.
var ErrUnknownCommand = errors.New("unknown command")

// ParamError ties an error to the request parameter that caused it.
type ParamError struct {
	Param string
	Err   error
}

func (e *ParamError) Error() string { return fmt.Sprintf("%s: %v", e.Param, e.Err) }

func (e *ParamError) Unwrap() error { return e.Err }

type handlerFunc func(ctx context.Context, raw []byte, progress []events.Publisher) (interface{}, error)

// Runner dispatches commands to the builder and the query service.
type Runner struct {
	cfg         *config.Config
	service     *engine.Service
	provider    data.CandleProvider
	publishers  []events.Publisher
	builderOpts []builder.Option
	validate    *validator.Validate
	logger      *zap.Logger
	handlers    map[string]handlerFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublishers sends build progress of every build to pubs.
func WithPublishers(pubs ...events.Publisher) Option {
	return func(r *Runner) { r.publishers = append(r.publishers, pubs...) }
}

// WithBuilderOptions passes opts to every builder the runner creates.
func WithBuilderOptions(opts ...builder.Option) Option {
	return func(r *Runner) { r.builderOpts = append(r.builderOpts, opts...) }
}

// NewRunner creates a runner. cfg supplies the defaults of every request.
func NewRunner(cfg *config.Config, service *engine.Service, provider data.CandleProvider, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:      cfg,
		service:  service,
		provider: provider,
		validate: newValidator(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.handlers = map[string]handlerFunc{
		Build:    r.build,
		Status:   r.status,
		Backtest: r.backtest,
		Score:    r.score,
		Search:   r.search,
		Predict:  r.predict,
		Analyze:  r.analyze,
	}
	return r
}

// newValidator reports JSON field names instead of Go field names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Names lists the supported commands.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes one command and returns its response: one of the *Response
// types on success, a Failure otherwise. progress receives build progress
// in addition to the runner's own publishers.
func (r *Runner) Run(ctx context.Context, name string, params []byte, progress ...events.Publisher) interface{} {
	res, _ := r.Exec(ctx, name, params, progress...)
	return res
}

// Exec is Run that also returns the error behind a Failure, for callers
// that map it onto their own status codes.
func (r *Runner) Exec(ctx context.Context, name string, params []byte, progress ...events.Publisher) (interface{}, error) {
	h, ok := r.handlers[name]
	if !ok {
		err := fmt.Errorf("%w %q (want one of %s)", ErrUnknownCommand, name, strings.Join(r.Names(), ", "))
		return r.fail(name, err), err
	}
	start := time.Now()
	res, err := h(ctx, params, progress)
	if err != nil {
		return r.fail(name, err), err
	}
	r.logger.Info("Command completed", zap.String("command", name), zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// IsParamError reports whether err was caused by the request parameters.
func IsParamError(err error) bool {
	var perr *ParamError
	var verrs validator.ValidationErrors
	var terr *json.UnmarshalTypeError
	var serr *json.SyntaxError
	return errors.As(err, &perr) || errors.As(err, &verrs) || errors.As(err, &terr) || errors.As(err, &serr)
}

// fail maps an error onto the protocol's failure object.
func (r *Runner) fail(name string, err error) Failure {
	f := Failure{Error: err.Error()}

	var perr *ParamError
	var verrs validator.ValidationErrors
	var terr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &perr):
		f.Param = perr.Param
	case errors.As(err, &verrs) && len(verrs) > 0:
		fe := verrs[0]
		f.Param = fe.Field()
		f.Error = describe(fe)
	case errors.As(err, &terr):
		f.Param = terr.Field
		f.Error = fmt.Sprintf("%s must be %s, got %s", terr.Field, terr.Type, terr.Value)
	}

	r.logger.Warn("Command failed", zap.String("command", name), zap.String("param", f.Param), zap.Error(err))
	return f
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "datetime":
		return fmt.Sprintf("%s must be a date like %s, got %v", fe.Field(), fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s must satisfy %s=%s, got %v", fe.Field(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Sprintf("%s must satisfy %s, got %v", fe.Field(), fe.Tag(), fe.Value())
	}
}

// decode fills req from raw on top of the defaults already in req, then
// validates it. Unknown keys are ignored.
func (r *Runner) decode(raw []byte, req interface{}) error {
	if raw = bytes.TrimSpace(raw); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, req); err != nil {
			return err
		}
	}
	return r.validate.Struct(req)
}

func parseDate(param, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		return time.Time{}, &ParamError{Param: param, Err: err}
	}
	return t, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (r *Runner) build(ctx context.Context, raw []byte, progress []events.Publisher) (interface{}, error) {
	d := r.cfg.Build
	req := BuildRequest{
		Symbols:      append([]string(nil), d.Symbols...),
		Start:        d.Start,
		End:          d.End,
		Stride:       d.Stride,
		Window:       d.Window,
		Epochs:       d.Epochs,
		BatchSize:    d.BatchSize,
		ChartStyle:   d.ChartStyle,
		Volume:       d.Volume,
		LearningRate: d.LearningRate,
		MaxHold:      r.cfg.Barrier.MaxHold,
	}
	if err := r.decode(raw, &req); err != nil {
		return nil, err
	}

	start, err := parseDate("start", req.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseDate("end", req.End)
	if err != nil {
		return nil, err
	}
	if !end.IsZero() && !end.After(start) {
		return nil, &ParamError{Param: "end", Err: fmt.Errorf("must be after start %s", req.Start)}
	}

	cfg := builder.DefaultConfig(req.Symbols...)
	cfg.Start = start
	if !end.IsZero() {
		cfg.End = end.Add(24*time.Hour - time.Nanosecond)
	}
	cfg.Interval = d.Interval
	cfg.Window = req.Window
	cfg.Stride = req.Stride
	cfg.Chart = chart.Options{Style: chart.Style(req.ChartStyle), Volume: req.Volume}
	cfg.Model = r.cfg.Model
	train := vision.DefaultTrainConfig()
	train.Epochs = req.Epochs
	train.BatchSize = req.BatchSize
	train.LearningRate = req.LearningRate
	cfg.Train = train
	cfg.MaxHold = req.MaxHold
	cfg.Workers = d.Workers

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	pubs := append(append([]events.Publisher{}, r.publishers...), progress...)
	opts := append(append([]builder.Option{}, r.builderOpts...), builder.WithReporter(events.NewReporter(r.logger, pubs...)))
	res, err := builder.New(r.cfg.Data.Dir, r.provider, r.logger, opts...).Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := r.service.Holder().Reload(ctx); err != nil {
		r.logger.Warn("Failed to load new generation", zap.String("generation", res.Generation), zap.Error(err))
	}
	return BuildResponse{Success: true, Result: res}, nil
}

func (r *Runner) status(ctx context.Context, raw []byte, _ []events.Publisher) (interface{}, error) {
	if err := r.decode(raw, &StatusRequest{}); err != nil {
		return nil, err
	}
	st, err := r.service.Status(ctx)
	if err != nil {
		return nil, err
	}
	return StatusResponse{Success: true, Status: st}, nil
}

func (r *Runner) backtest(ctx context.Context, raw []byte, _ []events.Publisher) (interface{}, error) {
	req := BacktestRequest{Start: r.cfg.Build.Start, Config: r.cfg.Backtest}
	if err := r.decode(raw, &req); err != nil {
		return nil, err
	}
	start, err := parseDate("start", req.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseDate("end", req.End)
	if err != nil {
		return nil, err
	}

	res, err := r.service.Backtest(ctx, engine.BacktestQuery{
		Symbol: normalizeSymbol(req.Symbol),
		Start:  start,
		End:    end,
		Config: req.Config,
	})
	if err != nil {
		return nil, err
	}
	return BacktestResponse{Success: true, Result: res}, nil
}

func (r *Runner) score(ctx context.Context, raw []byte, _ []events.Publisher) (interface{}, error) {
	req := ScoreRequest{TopK: engine.DefaultTopK}
	if err := r.decode(raw, &req); err != nil {
		return nil, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return nil, err
	}

	res, err := r.service.Score(ctx, engine.ScoreQuery{
		Symbol:   normalizeSymbol(req.Symbol),
		Date:     date,
		WinRate:  req.WinRate,
		TopK:     req.TopK,
		MinScore: req.MinScore,
	})
	if err != nil {
		return nil, err
	}
	return ScoreResponse{Success: true, ScoreResult: res}, nil
}

func (r *Runner) query(raw []byte) (engine.Query, error) {
	req := QueryRequest{TopK: engine.DefaultTopK}
	if err := r.decode(raw, &req); err != nil {
		return engine.Query{}, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return engine.Query{}, err
	}
	return engine.Query{Symbol: normalizeSymbol(req.Symbol), Date: date, TopK: req.TopK, MinScore: req.MinScore}, nil
}

func (r *Runner) search(ctx context.Context, raw []byte, _ []events.Publisher) (interface{}, error) {
	q, err := r.query(raw)
	if err != nil {
		return nil, err
	}
	res, err := r.service.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return SearchResponse{Success: true, SearchResult: res}, nil
}

func (r *Runner) predict(ctx context.Context, raw []byte, _ []events.Publisher) (interface{}, error) {
	q, err := r.query(raw)
	if err != nil {
		return nil, err
	}
	res, err := r.service.Predict(ctx, q)
	if err != nil {
		return nil, err
	}
	return PredictResponse{Success: true, PredictResult: res}, nil
}

func (r *Runner) analyze(ctx context.Context, raw []byte, _ []events.Publisher) (interface{}, error) {
	q, err := r.query(raw)
	if err != nil {
		return nil, err
	}
	res, err := r.service.Analyze(ctx, q)
	if err != nil {
		return nil, err
	}
	return AnalyzeResponse{Success: true, AnalyzeResult: res}, nil
}
