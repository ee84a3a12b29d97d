package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/paper-agent/api"
	"github.com/fabfab/paper-agent/chat"
	"github.com/fabfab/paper-agent/config"
	"github.com/fabfab/paper-agent/database"
	"github.com/fabfab/paper-agent/embeddings"
	"github.com/fabfab/paper-agent/ingestion"
	"github.com/fabfab/paper-agent/knowledge"
	"github.com/fabfab/paper-agent/llm"
	"github.com/fabfab/paper-agent/session"
	"github.com/fabfab/paper-agent/store"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "sessions":
		sessionsCmd(cfg, logger, os.Args[2:])
	case "remove":
		removeCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// deps bundles the wired stores and capabilities for one command run.
type deps struct {
	pool     *pgxpool.Pool
	driver   neo4j.DriverWithContext
	catalog  ingestion.Catalog
	vectors  chat.VectorStore
	corpus   api.CorpusClearer
	sessions session.Store
	graph    *knowledge.Store
	embedder embeddings.Embedder
}

func (d *deps) close(ctx context.Context) {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.driver != nil {
		_ = d.driver.Close(ctx)
	}
}

func (d *deps) graphStore() chat.GraphStore {
	if d.graph == nil {
		return nil
	}
	return d.graph
}

// corpusWiper clears the vector store and, when configured, the knowledge
// graph in one call so the API clear endpoint leaves no stale graph nodes.
type corpusWiper struct {
	corpus api.CorpusClearer
	graph  *knowledge.Store
}

func (c corpusWiper) Clear(ctx context.Context) error {
	if err := c.corpus.Clear(ctx); err != nil {
		return err
	}
	if c.graph != nil {
		return c.graph.Clear(ctx)
	}
	return nil
}

func setup(ctx context.Context, cfg config.Config, logger *log.Logger) (*deps, error) {
	d := &deps{}

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		pg := store.NewPostgres(pool)
		d.pool = pool
		d.catalog = pg
		d.vectors = pg
		d.corpus = pg
		d.sessions = session.NewPostgresStore(pool)
	case config.StoreMemory:
		mem := store.NewMemory(cfg.Embeddings.Dimension)
		d.catalog = mem
		d.vectors = mem
		d.corpus = mem
		d.sessions = session.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store)
	}

	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			d.close(ctx)
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		d.driver = driver
		d.graph = knowledge.NewStore(driver)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		d.close(ctx)
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	d.embedder = embedder

	logger.Printf("using %s store with %s/%s embeddings", cfg.Store, strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model)
	return d, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "path to directory containing documents")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer d.close(ctx)

	if cfg.Store == config.StoreMemory {
		logger.Printf("note: the memory store does not persist across processes; run 'serve', which ingests at startup")
	}

	svc := ingestion.NewService(d.catalog, d.graph, d.embedder, logger, cfg.ChunkSize, cfg.ChunkOverlap)
	if err := svc.IngestDirectory(ctx, *dataDir); err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}
}

func askCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask over the corpus")
	sessionID := flags.String("session", "", "session id to continue (empty starts a new session)")
	limit := flags.Int("limit", cfg.RetrievalLimit, "number of context chunks to retrieve")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ask flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer d.close(ctx)

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	if cfg.Store == config.StoreMemory {
		ingSvc := ingestion.NewService(d.catalog, d.graph, d.embedder, logger, cfg.ChunkSize, cfg.ChunkOverlap)
		if err := ingSvc.IngestDirectory(ctx, cfg.DataDir); err != nil {
			logger.Fatalf("ingestion failed: %v", err)
		}
	}

	svc := chat.NewService(d.vectors, d.graphStore(), d.embedder, llmClient, d.sessions, logger)
	answer, err := svc.Ask(ctx, *question, *sessionID, chat.Config{RetrievalLimit: *limit})
	if err != nil {
		logger.Fatalf("ask failed: %v", err)
	}

	fmt.Println(answer.Text)
	if len(answer.Citations) > 0 {
		fmt.Println()
		fmt.Println("Citations:")
		for _, citation := range answer.Citations {
			fmt.Printf("%s %s (%s, chunk %d)\n", citation.Marker, citation.Title, citation.Path, citation.ChunkIndex)
		}
	}
	fmt.Printf("\nSession: %s\n", answer.SessionID)
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "listen address for the HTTP API")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer d.close(ctx)

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	ingSvc := ingestion.NewService(d.catalog, d.graph, d.embedder, logger, cfg.ChunkSize, cfg.ChunkOverlap)
	if cfg.Store == config.StoreMemory {
		if err := ingSvc.IngestDirectory(ctx, cfg.DataDir); err != nil {
			logger.Fatalf("startup ingestion failed: %v", err)
		}
	}

	chatSvc := chat.NewService(d.vectors, d.graphStore(), d.embedder, llmClient, d.sessions, logger)
	server := api.New(cfg, chatSvc, ingSvc, d.sessions, corpusWiper{corpus: d.corpus, graph: d.graph}, logger)

	httpServer := &http.Server{Addr: *addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Printf("listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}
}

func sessionsCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("sessions", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse sessions flags: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer d.close(ctx)

	records, err := d.sessions.ListSessions(ctx)
	if err != nil {
		logger.Fatalf("list sessions: %v", err)
	}

	if len(records) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	for _, record := range records {
		fmt.Printf("%s  (%d exchanges, last %s)\n", record.SessionID, len(record.Exchanges), record.LastUpdated.Format("2006-01-02 15:04:05"))
		for _, exchange := range record.Exchanges {
			fmt.Printf("  Q: %s\n", exchange.Question)
		}
	}
}

func removeCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("remove", flag.ExitOnError)
	id := flags.String("id", "", "document id to remove from the corpus")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse remove flags: %v", err)
	}

	docID, err := uuid.Parse(strings.TrimSpace(*id))
	if err != nil {
		logger.Fatalf("remove requires a valid document id: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer d.close(ctx)

	svc := ingestion.NewService(d.catalog, d.graph, d.embedder, logger, cfg.ChunkSize, cfg.ChunkOverlap)
	if err := svc.Remove(ctx, docID); err != nil {
		logger.Fatalf("remove failed: %v", err)
	}
	logger.Printf("removed document %s and its chunks", docID)
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete the ingested corpus. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatalf("read confirmation: %v", err)
			}
			logger.Println("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup: %v", err)
	}
	defer d.close(ctx)

	if err := d.corpus.Clear(ctx); err != nil {
		logger.Fatalf("clear corpus: %v", err)
	}
	if d.graph != nil {
		if err := d.graph.Clear(ctx); err != nil {
			logger.Fatalf("clear graph: %v", err)
		}
	}
	logger.Println("corpus cleared")
}

func printUsage() {
	fmt.Println("Usage: paper-agent <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  ingest    Ingest documents into the corpus (use --dir to override the data directory)")
	fmt.Println("  ask       Ask a question over the ingested corpus")
	fmt.Println("  serve     Run the HTTP API")
	fmt.Println("  sessions  List recorded question/answer sessions")
	fmt.Println("  remove    Remove a document and its chunks by id")
	fmt.Println("  clear     Delete all ingested corpus data")
}
