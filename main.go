package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"imuslab.com/offlinecache/mod/offline"
)

var (
	confFolder    string
	messageServer string
	messageSecret string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "offlinecache",
		Short: "Offline cache controller",
		Long: `Offline cache controller for a static site.

Requests to the origin are answered from versioned cache partitions
with per resource type caching strategies, and fall back to an offline
page or placeholder when the origin is unreachable.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&confFolder, "conf", "c", "./conf", "Configuration folder")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the origin through the offline cache",
		RunE:  runServe,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the configured version into the cache and exit",
		RunE:  runInstall,
	}

	messageCmd := &cobra.Command{
		Use:   "message <type> [resource...]",
		Short: "Send a control message to a running server",
		Long: `Send a control message to a running server.

Types: SKIP_WAITING, GET_CACHE_SIZE, CLEAR_CACHE, CHECK_UPDATE and
PRELOAD_RESOURCES, which takes the resources to preload as arguments.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runMessage,
	}
	messageCmd.Flags().StringVar(&messageServer, "server", "http://localhost:8080", "Address of the running server")
	messageCmd.Flags().StringVar(&messageSecret, "secret", "", "Admin secret, defaults to the configured one")

	rootCmd.AddCommand(serveCmd, installCmd, messageCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := LoadCacheConfiguration(confFolder)
	if err != nil {
		return err
	}
	if err := initCacheSystem(config); err != nil {
		return err
	}
	defer shutdownCacheSystem()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed install is retried by the lifecycle loop
	if err := installCacheVersion(ctx); err != nil {
		SystemWideLogger.PrintAndLog("cache", "Initial install failed, serving without cache", err)
	}
	go runLifecycle(ctx)

	mux := http.NewServeMux()
	registerCacheAPIs(mux)
	mux.Handle("/", cacheRegistration)

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(SystemWideLogger.Zap().Named("http")),
	}

	errChan := make(chan error, 1)
	go func() {
		SystemWideLogger.Println("Listening on", config.Listen)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runInstall(cmd *cobra.Command, args []string) error {
	config, err := LoadCacheConfiguration(confFolder)
	if err != nil {
		return err
	}
	if err := initCacheSystem(config); err != nil {
		return err
	}
	defer shutdownCacheSystem()

	if err := installCacheVersion(cmd.Context()); err != nil {
		return err
	}
	size, err := cacheRegistration.Active().CacheSize(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s, %d cached entries\n", config.Version, size)
	return nil
}

func runMessage(cmd *cobra.Command, args []string) error {
	secret := messageSecret
	if secret == "" {
		config, err := LoadCacheConfiguration(confFolder)
		if err != nil {
			return err
		}
		secret = config.AdminSecret
	}

	msg, err := buildMessage(args)
	if err != nil {
		return err
	}
	reply, err := sendMessage(cmd.Context(), http.DefaultClient, messageServer, secret, msg)
	if err != nil {
		return err
	}
	if reply == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// buildMessage turns command arguments into a control message
func buildMessage(args []string) (offline.Message, error) {
	msgType := offline.MessageType(strings.ToUpper(args[0]))
	if msgType == offline.MessagePreloadResources {
		if len(args) < 2 {
			return offline.Message{}, errors.New("PRELOAD_RESOURCES needs at least one resource")
		}
		return offline.NewMessage(msgType, offline.PreloadPayload{Resources: args[1:]})
	}
	if len(args) > 1 {
		return offline.Message{}, fmt.Errorf("%s takes no arguments", msgType)
	}
	return offline.NewMessage(msgType, nil)
}

// sendMessage posts a control message and decodes the reply, nil when there is none
func sendMessage(ctx context.Context, client *http.Client, server string, secret string, msg offline.Message) (*offline.Reply, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(server, "/")+"/_offline/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var reply offline.Reply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return nil, fmt.Errorf("failed to decode reply: %w", err)
		}
		return &reply, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("server responded with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
