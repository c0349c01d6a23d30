// agentforge runs the minimal-context execution engine: it drives an LLM
// through a bounded, persisted step loop to fix conformance violations,
// and optionally serves a read-only inspection API over the task store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentforge/agentforge/pkg/api"
	"github.com/agentforge/agentforge/pkg/audit"
	"github.com/agentforge/agentforge/pkg/config"
	"github.com/agentforge/agentforge/pkg/executor"
	"github.com/agentforge/agentforge/pkg/llm"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/prompt"
	"github.com/agentforge/agentforge/pkg/store"
	"github.com/agentforge/agentforge/pkg/tools"
	"github.com/agentforge/agentforge/pkg/understanding"
	"github.com/agentforge/agentforge/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("AGENTFORGE_CONFIG_DIR", "."),
		"Path to configuration directory")
	serve := flag.Bool("serve", false, "Serve the inspection API instead of running a task")
	filePath := flag.String("file", "", "Target file with the violation")
	checkID := flag.String("check", "", "Conformance check id (e.g. complexity)")
	lineNumber := flag.Int("line", 0, "Violation line number")
	function := flag.String("function", "", "Violating function name")
	message := flag.String("message", "", "Violation message")
	dryRun := flag.Bool("dry-run", false, "Use the scripted mock LLM provider")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	taskStore := store.New(cfg.StateDir)
	auditor := audit.NewLogger(cfg.AuditDir, audit.EnabledFromEnv())

	if *serve {
		server := api.NewServer(taskStore, auditor)
		slog.Info("Serving inspection API", "port", cfg.API.Port)
		if err := server.Run(":" + cfg.API.Port); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
		return
	}

	if *filePath == "" || *checkID == "" {
		fmt.Fprintln(os.Stderr, "Usage: agentforge -file <path> -check <check_id> [-line N] [-function NAME]")
		fmt.Fprintln(os.Stderr, "       agentforge -serve")
		os.Exit(2)
	}

	var provider llm.Provider
	if *dryRun {
		provider = llm.NewMockProvider()
	} else {
		provider, err = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			HTTPTimeout: cfg.LLM.HTTPTimeout,
			MaxRetries:  cfg.LLM.MaxRetries,
		})
		if err != nil {
			log.Fatalf("Failed to create LLM provider: %v", err)
		}
	}

	builder := prompt.NewBuilder(taskStore, cfg.Executor.MaxPromptTokens, nil)
	extractor := understanding.NewExtractor(nil)
	dispatcher := buildDispatcher(cfg, taskStore)

	exec := executor.New(taskStore, builder, provider, dispatcher, extractor, auditor, executor.Options{
		MaxResponseTokens: cfg.Executor.MaxResponseTokens,
		UseLLMFallback:    cfg.Executor.UseLLMFallback,
		MemoryMaxItems:    cfg.Executor.MemoryMaxItems,
	})

	fix := workflow.NewFixWorkflow(taskStore, exec)
	fix.MaxIterations = cfg.Executor.MaxIterations
	fix.BaseBudget = cfg.Executor.BaseBudget
	fix.MaxBudget = cfg.Executor.MaxBudget

	result, err := fix.Run(context.Background(), workflow.Violation{
		FilePath:   *filePath,
		CheckID:    *checkID,
		LineNumber: *lineNumber,
		Function:   *function,
		Message:    *message,
	}, nil)
	if err != nil {
		log.Fatalf("Fix run failed: %v", err)
	}

	fmt.Printf("Task %s finished: %s (%d steps, %s)\n",
		result.TaskID, result.Status, result.Steps, result.ElapsedTime.Round(time.Millisecond))
	if result.Status != models.StatusCompleted {
		os.Exit(1)
	}
}

// buildDispatcher registers the default tool set with safety wrappers.
func buildDispatcher(cfg *config.Config, taskStore *store.Store) *tools.Dispatcher {
	d := tools.NewDispatcher(taskStore)

	runTests := tools.NewCommandTestRunner(cfg.Tools.ProjectRoot, cfg.Tools.TestCommand, cfg.Tools.SubprocessTimeout)
	runCheck := func(ctx context.Context, filePath, checkID string) (string, bool, error) {
		if len(cfg.Tools.CheckCommand) == 0 {
			return "", false, fmt.Errorf("no check command configured")
		}
		args := append(append([]string{}, cfg.Tools.CheckCommand[1:]...), "--check", checkID, filePath)
		return tools.Subprocess(ctx, cfg.Tools.SubprocessTimeout, cfg.Tools.CheckCommand[0], args...)
	}
	validator := tools.NewPythonValidator(cfg.Tools.SubprocessTimeout)

	refresh := workflow.NewContextRefresher(taskStore)

	d.Register("read_file", tools.ReadFile)
	d.Register("write_file", tools.WithTestVerification(tools.WriteFile, runTests))
	d.Register("edit_file", tools.WithTestVerification(tools.EditFile, runTests))
	d.Register("replace_lines", tools.WithTestVerification(
		tools.WithPythonValidation(tools.ReplaceLines, validator), runTests))
	d.Register("insert_lines", tools.WithTestVerification(tools.InsertLines, runTests))
	d.Register("extract_function", tools.WithExtractionVerification(
		tools.WithPythonValidation(tools.ExtractFunction, validator), runTests, runCheck, refresh))
	d.Register("simplify_conditional", tools.WithTestVerification(
		tools.WithPythonValidation(tools.SimplifyConditional, validator), runTests))
	d.Register("plan_fix", tools.PlanFix)
	d.Register("run_tests", tools.RunTestsExecutor(runTests))
	d.Register("run_check", tools.RunCheckExecutor(runCheck))
	d.Register("load_context", tools.LoadContextExecutor(
		func(_ context.Context, item string, _ *models.TaskState) (string, error) {
			data, err := os.ReadFile(item)
			if err != nil {
				return "", err
			}
			return string(data), nil
		}))
	return d
}
