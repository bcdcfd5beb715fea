// Command server runs the identity-plane control plane: the admin API
// (entry CRUD) and the agent-facing API (node attestation, JWT-SVID
// issuance, trust bundle) behind a single chi router (spec §4, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/pocket/hexagon/identityplane/internal/config"
	"github.com/pocket/hexagon/identityplane/internal/ports"
	"github.com/pocket/hexagon/identityplane/internal/server/adminapi"
	"github.com/pocket/hexagon/identityplane/internal/server/catalog"
	"github.com/pocket/hexagon/identityplane/internal/server/keymanager"
	"github.com/pocket/hexagon/identityplane/internal/server/keystore"
	"github.com/pocket/hexagon/identityplane/internal/server/nodeattestor"
	"github.com/pocket/hexagon/identityplane/internal/server/serverapi"
	"github.com/pocket/hexagon/identityplane/internal/server/svidfactory"
	"github.com/pocket/hexagon/identityplane/internal/server/trustbundle"
)

func main() {
	configPath := flag.String("config", "/etc/identityplane/server.yaml", "Path to server config file")
	debug := flag.Bool("debug", false, "Enable verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.NewFileLoader(*configPath).Load(ctx)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	clock := ports.SystemClock{}

	store, err := newKeyStore(cfg, clock)
	if err != nil {
		log.Fatalf("init key store: %v", err)
	}
	cat, err := newCatalog(cfg)
	if err != nil {
		log.Fatalf("init catalog: %v", err)
	}

	keyMgr := keymanager.New(store, cat, clock, cfg.TrustDomain, cfg.JWT.KeyTTL, keymanager.WithLogger(logger))
	if err := keyMgr.Start(ctx); err != nil {
		log.Fatalf("start key manager: %v", err)
	}
	defer keyMgr.Stop()

	factory := svidfactory.New(keyMgr, clock, cfg.JWT.KeyTTL)
	bundleBuilder := trustbundle.New(cat, cfg.TrustDomain, cfg.TrustBundle.RefreshHint)

	attestorPlugin, err := newNodeAttestor(cfg)
	if err != nil {
		log.Fatalf("init node attestor: %v", err)
	}
	attestServer := nodeattestor.NewServer(attestorPlugin, cat, factory, cfg.TrustDomain, cfg.NodeAttestation.Content.Audience, cfg.JWT.TTL, clock, nodeattestor.WithLogger(logger))
	if err := attestServer.Start(ctx); err != nil {
		log.Fatalf("start node attestor: %v", err)
	}
	defer attestServer.Stop()

	r := chi.NewRouter()
	adminapi.New(cat, cfg).Mount(r)
	serverapi.New(cat, cat, factory, attestServer, bundleBuilder, cfg.TrustDomain, clock).Mount(r)

	addr := net.JoinHostPort(cfg.ServerAgentAPI.BindAddress, strconv.Itoa(cfg.ServerAgentAPI.BindPort))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("identity plane server listening", "addr", addr, "trust_domain", cfg.TrustDomain)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

func newKeyStore(cfg *ports.Config, clock ports.Clock) (ports.KeyStore, error) {
	switch cfg.KeyStore.Type {
	case "disk":
		return keystore.NewDisk(cfg.KeyStore.Args["dir"], clock)
	case "memory", "":
		return keystore.NewMemory(clock), nil
	default:
		return nil, fmt.Errorf("unsupported key-store.type %q", cfg.KeyStore.Type)
	}
}

func newCatalog(cfg *ports.Config) (ports.Catalog, error) {
	switch cfg.Catalog.Type {
	case "file":
		return catalog.NewFileKV(cfg.Catalog.Args["dir"])
	case "memory", "":
		return catalog.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported catalog.type %q", cfg.Catalog.Type)
	}
}

func newNodeAttestor(cfg *ports.Config) (ports.NodeAttestorPlugin, error) {
	switch cfg.NodeAttestation.Type {
	case "k8s_psat", "":
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("build clientset: %w", err)
		}
		reviewer := nodeattestor.NewClientsetReviewer(func(ctx context.Context, review *authenticationv1.TokenReview, opts metav1.CreateOptions) (*authenticationv1.TokenReview, error) {
			return clientset.AuthenticationV1().TokenReviews().Create(ctx, review, opts)
		})
		nodeLabels := nodeLabelLookup{clientset: clientset}
		return nodeattestor.NewPSATAttestor(reviewer, nodeLabels, nodeattestor.Config{
			ClusterName:             cfg.NodeAttestation.Content.ClusterName,
			Audience:                cfg.NodeAttestation.Content.Audience,
			ServiceAccountAllowList: cfg.NodeAttestation.Content.ServiceAccountAllowList,
			AllowedNodeLabelKeys:    cfg.NodeAttestation.Content.AllowedNodeLabelKeys,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported node-attestation-config.type %q", cfg.NodeAttestation.Type)
	}
}

type nodeLabelLookup struct {
	clientset kubernetes.Interface
}

func (n nodeLabelLookup) NodeLabels(ctx context.Context, nodeName string) (map[string]string, error) {
	node, err := n.clientset.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return node.Labels, nil
}
