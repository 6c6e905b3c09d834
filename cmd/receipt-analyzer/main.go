package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zombor/receipt-analyzer/internal/receipt"
	"github.com/zombor/receipt-analyzer/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-analyzer")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "", "Session database file path (sessions are kept in memory when empty)")
		storagePath = fs.StringLong("storage", "./uploads", "Directory for uploaded images awaiting analysis")
		strategy    = fs.StringLong("strategy", "huggingface", "Analysis strategy: 'ocr', 'huggingface', 'gemini' or 'ollama'")
		hfKey       = fs.StringLong("hf-key", "", "Hugging Face API key (or set HUGGING_FACE_API_KEY env var)")
		hfModel     = fs.StringLong("hf-model", "Qwen/Qwen2.5-VL-7B-Instruct", "Hugging Face vision model")
		hfURL       = fs.StringLong("hf-url", scanning.DefaultHuggingFaceURL, "Hugging Face OpenAI compatible base URL")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		ocrLang     = fs.StringLong("ocr-lang", "eng", "Comma separated Tesseract languages for the ocr strategy")
		amountMode  = fs.StringLong("amount-mode", string(scanning.AmountDecimal), "Amount reading for the ocr strategy: 'decimal' or 'legacy'")
		providerRPM = fs.IntLong("provider-rpm", scanning.DefaultGuardConfig().RPM, "Requests per minute sent to a hosted model (0 = unlimited)")
		breakerFail = fs.IntLong("breaker-failures", int(scanning.DefaultGuardConfig().FailureThreshold), "Consecutive hosted model failures that pause analyses (0 = never)")
		timeout     = fs.DurationLong("timeout", receipt.DefaultAnalysisTimeout, "Maximum duration of a single analysis")
		sessionTTL  = fs.DurationLong("session-ttl", 6*time.Hour, "Idle time after which a session and its upload are discarded (0 = keep forever)")
		maxUpload   = fs.IntLong("max-upload-mb", receipt.DefaultMaxUploadSize>>20, "Maximum upload size in megabytes")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		debug       = fs.BoolLong("debug", "Enable debug logging")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_ANALYZER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	// Initialize session store
	var db receipt.DB
	if *dbPath == "" {
		slog.Info("Keeping sessions in memory")
		db = receipt.NewMemoryDB()
	} else {
		slog.Info("Initializing database...", "path", *dbPath)
		boltDB, err := receipt.NewBoltDB(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		db = boltDB
	}
	defer db.Close()

	scanner, err := newScanner(scannerConfig{
		strategy:    *strategy,
		hfKey:       *hfKey,
		hfModel:     *hfModel,
		hfURL:       *hfURL,
		geminiKey:   *geminiKey,
		geminiModel: *geminiModel,
		ollamaURL:   *ollamaURL,
		ollamaModel: *ollamaModel,
		ocrLang:     *ocrLang,
		amountMode:  *amountMode,
	})
	if err != nil {
		slog.Error("Failed to initialize scanner", "strategy", *strategy, "error", err)
		os.Exit(1)
	}
	if *strategy != "ocr" {
		guard := scanning.DefaultGuardConfig()
		guard.RPM = *providerRPM
		guard.FailureThreshold = uint32(max(*breakerFail, 0))
		scanner = scanning.NewGuarded(scanner, guard)
	}
	defer scanner.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewDiskStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Initialize service
	receiptService := receipt.NewServiceWithRegistry(db, scanner, store, receipt.Limits{
		AnalysisTimeout: *timeout,
		MaxUploadSize:   int64(*maxUpload) << 20,
	}, prometheus.DefaultRegisterer)

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	if *sessionTTL > 0 {
		go receiptService.RunSweeper(sweepCtx, sweepInterval(*sessionTTL), *sessionTTL)
	}

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "strategy", receiptService.Strategy(), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// sweepInterval checks for idle sessions a few times per TTL, at most every minute
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

type scannerConfig struct {
	strategy    string
	hfKey       string
	hfModel     string
	hfURL       string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
	ocrLang     string
	amountMode  string
}

// newScanner builds the analysis strategy. A hosted model without a key
// still starts; analyses then fail with a missing key error.
func newScanner(cfg scannerConfig) (scanning.Scanner, error) {
	switch cfg.strategy {
	case "ocr":
		mode, err := scanning.ParseAmountMode(cfg.amountMode)
		if err != nil {
			return nil, err
		}
		langs := strings.Split(cfg.ocrLang, ",")
		for i := range langs {
			langs[i] = strings.TrimSpace(langs[i])
		}
		slog.Info("Initializing OCR scanner...", "languages", langs, "amount_mode", mode)
		return scanning.NewOCR(scanning.NewTesseract(langs...), scanning.NewParser(mode)), nil

	case "huggingface":
		apiKey := cfg.hfKey
		if apiKey == "" {
			apiKey = os.Getenv("HUGGING_FACE_API_KEY")
		}
		if apiKey == "" {
			slog.Warn("Hugging Face API key is not set. Set --hf-key flag or HUGGING_FACE_API_KEY environment variable; analyses will fail until then")
			return scanning.NewUnconfigured("huggingface"), nil
		}
		slog.Info("Initializing Hugging Face scanner...", "model", cfg.hfModel, "url", cfg.hfURL)
		return scanning.NewHuggingFace(apiKey, cfg.hfModel, cfg.hfURL)

	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Warn("Gemini API key is not set. Set --gemini-key flag or GEMINI_API_KEY environment variable; analyses will fail until then")
			return scanning.NewUnconfigured("gemini"), nil
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel)
		return scanning.NewGemini(apiKey, cfg.geminiModel)

	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)

	default:
		return nil, fmt.Errorf("invalid strategy %q: valid values are ocr, huggingface, gemini or ollama", cfg.strategy)
	}
}
