package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/terrachat-io/terrachat/internal/cloud"
	"github.com/terrachat-io/terrachat/internal/conversation"
	"github.com/terrachat-io/terrachat/internal/executor"
	"github.com/terrachat-io/terrachat/internal/extract"
	"github.com/terrachat-io/terrachat/internal/intent"
	"github.com/terrachat-io/terrachat/internal/logging"
	"github.com/terrachat-io/terrachat/internal/nlu"
	"github.com/terrachat-io/terrachat/internal/plan"
	"github.com/terrachat-io/terrachat/internal/recovery"
	"github.com/terrachat-io/terrachat/internal/schema"
	"github.com/terrachat-io/terrachat/internal/store"
	"github.com/terrachat-io/terrachat/internal/suggest"
)

// app bundles the wired components a command needs.
type app struct {
	machine  *conversation.Machine
	store    store.Store
	registry *schema.Registry
	querier  cloud.Querier
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logging.Warn("failed to close session store", "error", err)
	}
}

// newApp wires every component. The understanding capability is optional:
// without an API key the extractor runs its pattern strategy only.
func newApp(ctx context.Context) (*app, error) {
	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load schema catalog: %w", err)
	}

	backend, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	sessions := store.NewResilientStore(store.NewEncryptedStore(backend), nil)

	var modelClient *nlu.Client
	var answerer conversation.Answerer
	var modelExtractor extract.ModelExtractor
	if os.Getenv("TERRACHAT_MODEL_API_KEY") != "" {
		chatModel, err := nlu.NewOpenAIModel(ctx, nlu.ModelConfig{})
		if err != nil {
			return nil, fmt.Errorf("failed to configure the language model: %w", err)
		}
		modelClient, err = nlu.NewClient(chatModel, nlu.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to build the extraction client: %w", err)
		}
		answerer = modelClient
		modelExtractor = modelClient
	} else {
		logging.Warn("TERRACHAT_MODEL_API_KEY not set; running with pattern extraction only")
	}

	runner := executor.NewTerraformRunner(workspaceDir)
	runner.Binary = terraformBin

	// One querier for both the machine and the resources command, so the
	// lazily built AWS clients are shared.
	querier := cloud.NewAWSQuerier(region)

	machine := conversation.NewMachine(conversation.Config{
		Registry:    registry,
		Classifier:  intent.NewClassifier(),
		Extractor:   extract.New(registry, modelExtractor),
		Suggester:   suggest.NewEngine(),
		Compiler:    plan.NewCompiler(registry),
		Coordinator: executor.NewCoordinator(runner, executionTimeout),
		Advisor:     recovery.NewAdvisor(0),
		Querier:     querier,
		Answerer:    answerer,
		Store:       sessions,
	})

	return &app{
		machine:  machine,
		store:    sessions,
		registry: registry,
		querier:  querier,
	}, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	if useMemoryStore {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	s, err := store.NewSQLiteStore(ctx, filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return s, nil
}
