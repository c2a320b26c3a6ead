// Command vq runs one command of the JSON protocol and prints the result.
//
//	vq [-config path] <command> [params-json | -]
//
// Params come from the second argument, or from stdin when it is "-".
// Build progress is printed as {"type":"progress",...} lines before the
// final result line. Logs go to stderr. The exit status is 1 when the
// result has success=false.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/command"
	"github.com/tunogya/visionquant/pkg/config"
	"github.com/tunogya/visionquant/pkg/events"
	"github.com/tunogya/visionquant/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: vq [-config path] <command> [params-json | -]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		os.Exit(2)
	}
	name := flag.Arg(0)

	var params []byte
	switch arg := flag.Arg(1); arg {
	case "":
	case "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("Failed to read params from stdin: %v", err)
		}
		params = b
	default:
		params = []byte(arg)
	}

	os.Exit(run(name, params, *configPath))
}

func run(name string, params []byte, configPath string) int {
	out := json.NewEncoder(os.Stdout)
	emit := func(v interface{}) {
		if err := out.Encode(v); err != nil {
			log.Printf("Failed to write result: %v", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		emit(command.Failure{Error: err.Error()})
		return 1
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		emit(command.Failure{Error: err.Error()})
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := command.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		emit(command.Failure{Error: err.Error()})
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Failed to close resources", zap.Error(err))
		}
	}()

	res, err := app.Runner.Exec(ctx, name, params, events.NewJSONLinesPublisher(os.Stdout))
	emit(res)
	if err != nil {
		return 1
	}
	return 0
}
