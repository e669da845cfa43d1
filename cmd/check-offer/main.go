package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/maltedev/allegro-price-monitor/internal/browser"
	"github.com/maltedev/allegro-price-monitor/internal/config"
	"github.com/maltedev/allegro-price-monitor/internal/models"
	"github.com/maltedev/allegro-price-monitor/internal/monitor"
	"github.com/maltedev/allegro-price-monitor/internal/parser"
	"github.com/maltedev/allegro-price-monitor/internal/scheduler"
	monerrors "github.com/maltedev/allegro-price-monitor/pkg/errors"
	"github.com/maltedev/allegro-price-monitor/pkg/logger"
)

func main() {
	var (
		offerID = flag.String("offer-id", "", "Allegro offer id to check")
		title   = flag.String("title", "", "Offer title, used for the offer URL slug")
		myPrice = flag.Float64("my-price", 0, "Own price to compare against")
		engines = flag.String("engines", "", "Comma separated engine order (default from BROWSER_ENGINES)")
		exclude = flag.String("exclude", "", "Comma separated sellers to ignore")
		noDelay = flag.Bool("no-delay", true, "Skip the scheduler delay before each navigation")
	)
	flag.Parse()

	if *offerID == "" {
		fmt.Println("Please provide an offer id with -offer-id")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *engines != "" {
		cfg.Browser.Engines = splitList(*engines)
	}

	logger := logger.New(cfg.Logging.Level, "text")

	manager, err := browser.New(cfg.Browser, cfg.Monitor.Domain, logger)
	if err != nil {
		logger.Error("no browser engine available", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.ProviderFor(cfg.Scheduler.Proxies), logger)
	if *noDelay {
		sched.SetDelay(0, 0)
	}
	checker := monitor.NewChecker(cfg.Monitor, sched, parser.NewDeliveryParser(nil), "check-offer", logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := manager.Open(ctx, sched.NextSession())
	if err != nil {
		logger.Error("failed to open session", "error", err)
		os.Exit(1)
	}
	defer handle.Close()

	task := models.PriceCheckTask{
		ID:      "cli",
		OfferID: *offerID,
		Title:   *title,
		MyPrice: *myPrice,
		Status:  models.TaskProcessing,
	}

	result, err := checker.Check(ctx, handle, task, splitList(*exclude))
	if err != nil {
		if monerrors.IsBlocked(err) {
			logger.Error("blocked", "engine", handle.Engine(), "error", err)
			handle.Close()
			os.Exit(2)
		}
		result = monitor.FailedResult(task, err, handle.Engine(), "check-offer", time.Now())
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if result.Failed() {
		handle.Close()
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
