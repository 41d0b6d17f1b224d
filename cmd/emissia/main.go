// Copyright 2025 The Emissia Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command emissia runs the vehicle emission conversational assistant.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/moveslab/emissia/pkg/agent"
	"github.com/moveslab/emissia/pkg/config"
	"github.com/moveslab/emissia/pkg/excel"
	"github.com/moveslab/emissia/pkg/knowledge"
	"github.com/moveslab/emissia/pkg/llms"
	"github.com/moveslab/emissia/pkg/logger"
	"github.com/moveslab/emissia/pkg/moves"
	"github.com/moveslab/emissia/pkg/session"
	"github.com/moveslab/emissia/pkg/standardizer"
	"github.com/moveslab/emissia/pkg/tools"
	"github.com/moveslab/emissia/pkg/transport"
	"github.com/moveslab/emissia/pkg/utils"
)

var version = "dev"

type cli struct {
	Config  string           `help:"Path to the YAML configuration file." short:"c" type:"path"`
	Host    string           `help:"Override the listen host."`
	Port    int              `help:"Override the listen port."`
	Debug   bool             `help:"Force debug level logging."`
	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var flags cli
	ktx := kong.Parse(&flags,
		kong.Name("emissia"),
		kong.Description("Conversational assistant for vehicle emission calculation."),
		kong.Vars{"version": version},
	)
	ktx.FatalIfErrorf(run(&flags))
}

func run(flags *cli) error {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	if flags.Host != "" {
		cfg.Server.Host = flags.Host
	}
	if flags.Port != 0 {
		cfg.Server.Port = flags.Port
	}
	if flags.Debug {
		cfg.Logging.Level = "debug"
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logger.Init(level, os.Stderr, cfg.Logging.Format)

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	mappings, err := config.NewMappingsStore(filepath.Join(cfg.Paths.ConfigDir, "mappings.yaml"))
	if err != nil {
		return err
	}
	prompts, err := config.LoadPrompts(filepath.Join(cfg.Paths.ConfigDir, "prompts.yaml"))
	if err != nil {
		return err
	}

	agentClient, err := llms.NewClient(cfg, "agent")
	if err != nil {
		return err
	}
	synthesisClient, err := llms.NewClient(cfg, "synthesis")
	if err != nil {
		return err
	}

	var local standardizer.LocalModel
	if cfg.Standardizer.UseLocalModel && cfg.Standardizer.LocalBaseURL != "" {
		local = standardizer.NewModelClient(
			llms.NewLocalClient(cfg.Standardizer.LocalBaseURL, cfg.Standardizer.LocalModel))
		slog.Info("local standardizer model enabled",
			"base_url", cfg.Standardizer.LocalBaseURL, "model", cfg.Standardizer.LocalModel)
	}
	std := standardizer.New(mappings, local)

	reader := excel.NewReader(std)
	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewEmissionFactorsTool(moves.NewFactorStore(cfg.Paths.FactorsDir)),
		tools.NewMicroEmissionTool(moves.NewMicroCalculator(cfg.Paths.MicroDataDir), reader, cfg.Paths.OutputsDir),
		tools.NewMacroEmissionTool(moves.NewMacroCalculator(cfg.Paths.MacroDataDir), reader, std, cfg.Paths.OutputsDir),
		tools.NewFileAnalyzerTool(std),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	if cfg.Knowledge.Enabled {
		if err := registerKnowledgeTool(cfg, prompts, registry); err != nil {
			// The assistant is still useful without retrieval.
			slog.Warn("knowledge tool disabled", "error", err)
		}
	}

	counter := utils.NewTokenCounter("cl100k_base")
	factory := func(sessionID, dir string) *agent.Router {
		return agent.NewRouter(
			sessionID,
			agent.NewAssembler(prompts.SystemPrompt, registry.Definitions(), counter),
			agent.NewExecutor(registry, std),
			agent.NewMemory(sessionID, dir),
			agentClient,
			synthesisClient,
			prompts.SynthesisPrompt,
		)
	}

	sessions := session.NewRegistry(cfg.Paths.SessionsDir, factory)
	server := transport.NewServer(sessions, cfg.Paths.OutputsDir, cfg.Paths.UploadsDir)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("emissia listening", "addr", addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := mappings.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// registerKnowledgeTool wires the retrieval stack: qdrant search,
// rerank and answer refinement.
func registerKnowledgeTool(cfg *config.Config, prompts *config.Prompts, registry *tools.Registry) error {
	refiner, err := llms.NewClient(cfg, "rag_refiner")
	if err != nil {
		return err
	}
	retriever, err := knowledge.NewRetriever(cfg.Knowledge, refiner)
	if err != nil {
		return err
	}
	rerankKey := cfg.Providers[cfg.RefinerLLM.Provider].APIKey
	reranker := knowledge.NewReranker(
		cfg.Knowledge.RerankMode,
		cfg.Knowledge.RerankModel,
		cfg.Knowledge.RerankURL,
		rerankKey,
		cfg.Knowledge.RerankTopN,
	)
	svc := knowledge.NewService(retriever, reranker, refiner, prompts.RefinerPrompt)
	return registry.Register(tools.NewKnowledgeTool(svc, cfg.Knowledge.RerankTopN))
}
