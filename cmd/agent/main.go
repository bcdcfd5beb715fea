// Command agent runs the node agent: it attests itself to the server,
// keeps its own JWT-SVID and the trust bundle fresh, and serves locally
// attested workloads over the Workload API Unix domain socket (spec §4.6,
// §4.9).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	corev1 "k8s.io/api/core/v1"

	"github.com/pocket/hexagon/identityplane/internal/agent/client"
	"github.com/pocket/hexagon/identityplane/internal/agent/core"
	"github.com/pocket/hexagon/identityplane/internal/agent/workloadapi"
	"github.com/pocket/hexagon/identityplane/internal/agent/workloadattestor/k8s"
	"github.com/pocket/hexagon/identityplane/internal/config"
	"github.com/pocket/hexagon/identityplane/internal/ports"
)

func main() {
	configPath := flag.String("config", "/etc/identityplane/agent.yaml", "Path to agent config file")
	serverAddress := flag.String("server-address", "", "Server agent-API base URL (overrides server-agent-api.bind_address:bind_port from config)")
	evidencePath := flag.String("evidence-path", "/var/run/secrets/tokens/identityplane-agent", "Path to the projected node-attestation token")
	nodeName := flag.String("node-name", os.Getenv("NODE_NAME"), "Kubernetes node this agent runs on")
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
	if *nodeName == "" {
		log.Fatalf("node name must be set via -node-name or NODE_NAME")
	}

	baseURL := *serverAddress
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s", net.JoinHostPort(cfg.ServerAgentAPI.BindAddress, fmt.Sprint(cfg.ServerAgentAPI.BindPort)))
	}

	httpClient := client.New(baseURL)
	clock := ports.SystemClock{}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		log.Fatalf("in-cluster config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		log.Fatalf("build clientset: %v", err)
	}

	podFinder := k8s.NewClientsetPodFinder(clientsetPodLister{clientset: clientset}, *nodeName)
	workloadAttestor := k8s.New(podFinder, cfg.NodeAttestation.Content.AllowedPodLabelKeys)

	evidence := core.FileEvidenceSource{Plugin: cfg.NodeAttestation.Type, Path: *evidencePath}
	agentCore := core.New(httpClient, workloadAttestor, evidence, clock, cfg.TrustDomain, core.WithLogger(logger))

	if err := agentCore.Start(ctx); err != nil {
		log.Fatalf("start agent core: %v", err)
	}
	defer agentCore.Stop()

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	waServer := workloadapi.NewServer(agentCore, socketPath, workloadapi.WithLogger(logger))
	if err := waServer.Start(ctx); err != nil {
		log.Fatalf("start workload api server: %v", err)
	}

	logger.Info("agent running", "server", baseURL, "socket", socketPath, "node", *nodeName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := waServer.Stop(shutdownCtx); err != nil {
		logger.Error("workload api shutdown failed", "error", err)
		os.Exit(1)
	}
}

// clientsetPodLister adapts a real k8s.io/client-go clientset to the
// k8s.PodLister port.
type clientsetPodLister struct {
	clientset kubernetes.Interface
}

func (l clientsetPodLister) ListPods(ctx context.Context, nodeName string, opts metav1.ListOptions) (*corev1.PodList, error) {
	return l.clientset.CoreV1().Pods("").List(ctx, opts)
}
