package security

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hive-corporation/ioc-connectors/internal/adapter/handler"
	"github.com/hive-corporation/ioc-connectors/internal/config"
	"github.com/hive-corporation/ioc-connectors/internal/core/pipeline"
)

type staticStatus struct{ status pipeline.Status }

func (s staticStatus) Status() pipeline.Status { return s.status }

func isLoopback(t *testing.T, addr string) bool {
	t.Helper()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad address %q: %v", addr, err)
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func TestStatus_DefaultLocalhostBinding(t *testing.T) {
	cfg := config.DefaultConfig()

	for _, addr := range []string{cfg.Status.Listen, cfg.Status.GRPCListen} {
		if !isLoopback(t, addr) {
			t.Errorf("default listen address %s is not loopback", addr)
		}
	}
	if cfg.Status.Enabled {
		t.Error("status endpoints should be opt-in")
	}
}

func TestStatus_ExplicitExternalBinding(t *testing.T) {
	// External binding requires explicit configuration
	t.Chdir(t.TempDir())
	t.Setenv("STATUS_LISTEN", "0.0.0.0:0")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Status.Listen != "0.0.0.0:0" {
		t.Fatalf("Expected 0.0.0.0:0, got %s", cfg.Status.Listen)
	}

	lis, err := net.Listen("tcp", cfg.Status.Listen)
	if err != nil {
		t.Fatalf("Failed to bind to 0.0.0.0: %v", err)
	}
	defer lis.Close()
}

func TestStatus_InvalidAddress(t *testing.T) {
	invalidAddresses := []string{
		"invalid:address",
		":99999", // Port out of range
		"999.999.999.999:9108",
	}

	for _, addr := range invalidAddresses {
		t.Run(addr, func(t *testing.T) {
			_, err := net.Listen("tcp", addr)
			if err == nil {
				t.Errorf("Expected error for invalid address %s", addr)
			}
		})
	}
}

func TestStatus_PortAlreadyInUse(t *testing.T) {
	lis1, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to bind first listener: %v", err)
	}
	defer lis1.Close()

	if _, err := net.Listen("tcp", lis1.Addr().String()); err == nil {
		t.Error("Expected error when port is already in use")
	}
}

func TestStatusAPI_LoopbackRequiresToken(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to bind listener: %v", err)
	}
	rest := handler.NewRestHandler(staticStatus{pipeline.Status{Connector: "talos"}}, "s3cret", nil)
	srv := &http.Server{Handler: rest.Router(), ReadTimeout: 5 * time.Second}
	go srv.Serve(lis)
	defer srv.Close()

	base := "http://" + lis.Addr().String()
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, err = client.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("metrics should require the token, got %d", resp.StatusCode)
	}

	resp, err = client.Get(base + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health should stay open, got %d", resp.StatusCode)
	}
}

func TestGRPCHealth_LocalhostOnlyAccess(t *testing.T) {
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to bind listener: %v", err)
	}

	hs := handler.NewHealthServer(staticStatus{pipeline.Status{Connector: "talos", LastKind: "none"}}, "ioc.connector.talos", nil)
	srv := grpc.NewServer()
	hs.Register(srv)
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "ioc.connector.talos"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}
}

func TestStatus_ConnectionTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var d net.Dialer
	_, err := d.DialContext(ctx, "tcp", "192.0.2.1:9108") // TEST-NET-1, should timeout
	if err == nil {
		t.Error("Expected timeout error for unreachable address")
	}
}

func BenchmarkStatus_LocalhostBinding(b *testing.B) {
	for i := 0; i < b.N; i++ {
		lis, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			b.Fatalf("Failed to bind: %v", err)
		}
		lis.Close()
	}
}
