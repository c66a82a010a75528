package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/cxr-api/internal/chat"
	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/inference"
	"github.com/Brownie44l1/cxr-api/internal/interpret"
	"github.com/Brownie44l1/cxr-api/internal/middleware"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Load the model and serve the chat API.

Endpoints:
  GET  /health    liveness, model state and device
  POST /api/chat  multipart form with "message" and an optional "image"

The model is bound before the listener accepts requests; a missing or
unreadable model aborts startup. Checkpoints (.pth, .safetensors) run on
cpu; --device cuda[:N] needs an .onnx model.`,
		Example: `  # Serve with defaults from cxr.toml and .env
  cxr-api serve --config cxr.toml

  # Serve an ONNX export on the first GPU
  cxr-api serve --model models/cxr.onnx --device cuda:0 --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := root.cfg.Server.ListenAddr
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			return root.serve(cmd.Context(), ln)
		},
	}
}

// serve runs the API on ln until ctx is cancelled or the server fails.
func (r *RootCommand) serve(ctx context.Context, ln net.Listener) error {
	cfg, log := r.cfg, r.log

	engine, handler, err := buildService(ctx, cfg, r.openConfig(), log)
	if err != nil {
		ln.Close()
		return err
	}
	defer engine.Close()

	server := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeoutD,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"addr", ln.Addr().String(),
			"model", cfg.Model.Path,
			"device", engine.Device(),
			"llm_provider", cfg.LLM.Provider)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutD)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// buildService binds the model and wires the request pipeline behind the
// middleware stack. The caller owns the returned engine.
func buildService(ctx context.Context, cfg *config.Config, open inference.OpenConfig, log *slog.Logger) (*inference.Engine, http.Handler, error) {
	backend, err := inference.Open(ctx, open)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	engine := inference.NewEngine(backend, log)

	gen, err := interpret.NewGenerator(interpret.ProviderConfig{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		engine.Close()
		return nil, nil, err
	}
	if cfg.LLM.APIKey == "" {
		log.Warn("no LLM API key configured, interpretation requests will fail", "provider", gen.Name())
	}
	guard := interpret.NewGuard(gen, cfg.LLM.TimeoutD, log)

	pre := preprocess.New(cfg.Model.DeviceD, cfg.Preprocess.MaxImagePixels)
	orch := chat.New(pre, engine, guard, cfg.Server.MaxUploadBytes, log)
	h := handlers.NewHandler(orch, engine, string(engine.Device()), cfg.Server.MaxUploadBytes, log)

	return engine, middleware.Chain(h.Routes(),
		middleware.RequestID,
		middleware.Logging(log),
		middleware.Recovery(log),
		middleware.CORS,
	), nil
}
