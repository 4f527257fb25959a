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

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/ledgerlens/ledgerlens/internal/analysis"
	"github.com/ledgerlens/ledgerlens/internal/identity"
	"github.com/ledgerlens/ledgerlens/internal/invoice"
	"github.com/ledgerlens/ledgerlens/internal/ocr"
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

	// Local development convenience; missing file is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("ledgerlens")
	var (
		port     = fs.IntLong("port", 8080, "HTTP server port")
		baseURL  = fs.StringLong("base-url", "http://localhost:8080", "Externally visible server URL")
		dbType   = fs.StringLong("db", "bolt", "Database backend: 'bolt' or 'postgres'")
		dbPath   = fs.StringLong("db-path", "ledgerlens.db", "BoltDB file path")
		dbDSN    = fs.StringLong("db-dsn", "", "PostgreSQL DSN (or set LEDGERLENS_DB_DSN env var)")
		blobType = fs.StringLong("blobs", "local", "Blob store: 'local' or 'gcs'")
		blobPath = fs.StringLong("blob-path", "./blobs", "Local blob directory path")
		blobKey  = fs.StringLong("blob-secret", "", "Signing secret for local blob URLs")
		bucket   = fs.StringLong("gcs-bucket", "", "GCS bucket name")

		ocrType       = fs.StringLong("ocr", "tesseract", "OCR provider: 'azure' or 'tesseract'")
		azureEndpoint = fs.StringLong("azure-endpoint", "", "Azure Computer Vision endpoint")
		azureKey      = fs.StringLong("azure-key", "", "Azure Computer Vision API key (or set AZURE_VISION_KEY env var)")

		analyzerType = fs.StringLong("analyzer", "gemini", "Analysis provider: 'gemini' or 'ollama'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")

		tokenSecret = fs.StringLong("token-secret", "", "JWT signing secret for bearer tokens")
		tokenIssuer = fs.StringLong("token-issuer", "ledgerlens", "JWT issuer name")

		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("LEDGERLENS"),
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

	// Initialize database
	var db invoice.DB
	var err error
	switch *dbType {
	case "bolt":
		slog.Info("Initializing BoltDB...", "path", *dbPath)
		db, err = invoice.NewBoltDB(*dbPath)
	case "postgres":
		dsn := *dbDSN
		if dsn == "" {
			dsn = os.Getenv("LEDGERLENS_DB_DSN")
		}
		if dsn == "" {
			slog.Error("PostgreSQL DSN is required. Set --db-dsn flag or LEDGERLENS_DB_DSN environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing PostgreSQL...")
		db, err = invoice.NewGormDB(dsn)
	default:
		slog.Error("Invalid database type", "type", *dbType, "valid", "bolt or postgres")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize blob store
	var blobs invoice.BlobStore
	var localBlobs *invoice.LocalBlobStore
	switch *blobType {
	case "local":
		secret := *blobKey
		if secret == "" {
			secret = os.Getenv("LEDGERLENS_BLOB_SECRET")
		}
		if secret == "" {
			slog.Error("Blob signing secret is required. Set --blob-secret flag or LEDGERLENS_BLOB_SECRET environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing local blob store...", "path", *blobPath)
		localBlobs, err = invoice.NewLocalBlobStore(*blobPath, *baseURL, secret)
		blobs = localBlobs
	case "gcs":
		if *bucket == "" {
			slog.Error("GCS bucket name is required. Set --gcs-bucket flag")
			os.Exit(1)
		}
		slog.Info("Initializing GCS blob store...", "bucket", *bucket)
		blobs, err = invoice.NewGCSBlobStore(context.Background(), *bucket)
	default:
		slog.Error("Invalid blob store type", "type", *blobType, "valid", "local or gcs")
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	// Initialize OCR provider
	var ocrProvider ocr.Provider
	switch *ocrType {
	case "azure":
		apiKey := *azureKey
		if apiKey == "" {
			apiKey = os.Getenv("AZURE_VISION_KEY")
		}
		slog.Info("Initializing Azure OCR...", "endpoint", *azureEndpoint)
		ocrProvider, err = ocr.NewAzure(*azureEndpoint, apiKey)
		if err != nil {
			slog.Error("Failed to initialize Azure OCR", "error", err)
			os.Exit(1)
		}
	case "tesseract":
		slog.Info("Initializing Tesseract OCR...")
		ocrProvider = ocr.NewTesseract("eng")
	default:
		slog.Error("Invalid OCR provider", "type", *ocrType, "valid", "azure or tesseract")
		os.Exit(1)
	}
	defer ocrProvider.Close()

	// Initialize analysis provider
	var analyzer analysis.Provider
	switch *analyzerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini analyzer...", "model", *geminiModel)
		analyzer, err = analysis.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama analyzer...", "url", *ollamaURL, "model", *ollamaModel)
		analyzer, err = analysis.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid analysis provider", "type", *analyzerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer analyzer.Close()

	// Initialize token verifier
	secret := *tokenSecret
	if secret == "" {
		secret = os.Getenv("LEDGERLENS_TOKEN_SECRET")
	}
	if secret == "" {
		slog.Error("Token secret is required. Set --token-secret flag or LEDGERLENS_TOKEN_SECRET environment variable")
		os.Exit(1)
	}
	verifier, err := identity.NewTokenVerifier(secret, *tokenIssuer, *baseURL)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	// Initialize service and server
	service := invoice.NewService(db, blobs, ocrProvider, analyzer)
	server := invoice.NewServer(service, verifier, localBlobs)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
