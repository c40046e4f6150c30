package main

import (
	"context"
	"encoding/json"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr   = envDefault("NIL_VPN_LISTEN", ":8543")
	identityPath = envDefault("NIL_VPN_DB", "nil_vpn.db")
	ethRPC       = envDefault("NIL_VPN_ETH_RPC", "")
	lotteryAddr  = envDefault("NIL_VPN_LOTTERY", "")
	chainIDRaw   = envDefault("NIL_VPN_CHAIN_ID", "1")
	recipientKey = envDefault("NIL_VPN_RECIPIENT_KEY", "")
	perByteRaw   = envDefault("NIL_VPN_PER_BYTE", "1")
	horizonSize  = envInt("NIL_VPN_HORIZON", 4096)
	tunName      = envDefault("NIL_VPN_TUN", "")
	iceRaw       = envDefault("NIL_VPN_ICE", "")
)

// Gateway is the process-wide service: shared collaborators plus the
// registry that keeps live sessions reachable. A session's only long-lived
// reference lives here; unregistering it is how a session dies.
type Gateway struct {
	cashier Cashier
	egress  Egress
	cert    *webrtc.Certificate
	iceIPs  []string
	horizon int

	mu       sync.Mutex
	sessions map[*Incoming]struct{}
	draining bool
}

func newGateway(cashier Cashier, egress Egress, cert *webrtc.Certificate, iceIPs []string, horizon int) *Gateway {
	return &Gateway{
		cashier:  cashier,
		egress:   egress,
		cert:     cert,
		iceIPs:   iceIPs,
		horizon:  horizon,
		sessions: make(map[*Incoming]struct{}),
	}
}

func (g *Gateway) register(inc *Incoming) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.sessions[inc] = struct{}{}
	return true
}

func (g *Gateway) unregister(inc *Incoming) {
	g.mu.Lock()
	delete(g.sessions, inc)
	g.mu.Unlock()
}

func (g *Gateway) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shut stops accepting sessions and drains the live ones in parallel.
func (g *Gateway) Shut(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	live := make([]*Incoming, 0, len(g.sessions))
	for inc := range g.sessions {
		live = append(live, inc)
	}
	g.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, inc := range live {
		eg.Go(func() error {
			inc.server.stopOnce.Do(func() { g.unregister(inc) })
			return inc.server.shut(ctx)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return g.egress.Close()
}

type connectRequest struct {
	Offer string `json:"offer"`
}

type connectResponse struct {
	Answer string `json:"answer"`
}

func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256*1024)).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "offer unparseable")
		return
	}
	if strings.TrimSpace(req.Offer) == "" {
		jsonError(w, http.StatusBadRequest, "offer is required")
		return
	}
	inc, answer, err := acceptSession(g, req.Offer)
	if err != nil {
		log.Printf("offer rejected: %v", err)
		jsonError(w, http.StatusBadRequest, "offer rejected")
		return
	}
	if !g.register(inc) {
		inc.pc.Close()
		jsonError(w, http.StatusServiceUnavailable, "gateway draining")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(connectResponse{Answer: answer})
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func buildCashier(ctx context.Context) Cashier {
	if ethRPC == "" || lotteryAddr == "" || recipientKey == "" {
		log.Printf("billing disabled: NIL_VPN_ETH_RPC, NIL_VPN_LOTTERY and NIL_VPN_RECIPIENT_KEY must all be set")
		return nil
	}
	chain, ok := new(big.Int).SetString(chainIDRaw, 10)
	if !ok {
		log.Fatalf("NIL_VPN_CHAIN_ID unparseable: %q", chainIDRaw)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(recipientKey, "0x"))
	if err != nil {
		log.Fatalf("NIL_VPN_RECIPIENT_KEY unparseable: %v", err)
	}
	perByte, ok := new(big.Rat).SetString(perByteRaw)
	if !ok || perByte.Sign() <= 0 {
		log.Fatalf("NIL_VPN_PER_BYTE unparseable: %q", perByteRaw)
	}
	cashier, err := newEthCashier(ctx, ethRPC, common.HexToAddress(lotteryAddr), chain, key, perByte)
	if err != nil {
		log.Fatalf("cashier: %v", err)
	}
	return cashier
}

func buildEgress() Egress {
	if strings.EqualFold(tunName, "off") {
		log.Printf("egress disabled: forwarding packets are dropped")
		return discardEgress{}
	}
	egress, err := newTunEgress(tunName)
	if err != nil {
		log.Fatalf("egress: %v", err)
	}
	return egress
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bolt.Open(identityPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		log.Fatalf("identity db: %v", err)
	}
	defer db.Close()
	cert, err := loadIdentity(db)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	gw := newGateway(buildCashier(ctx), buildEgress(), cert, parseCommaList(iceRaw), horizonSize)

	router := mux.NewRouter()
	router.HandleFunc("/vpn/connect", gw.handleConnect).Methods(http.MethodPost)
	router.HandleFunc("/status", gw.handleStatus).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("nil_vpn listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := gw.Shut(shutCtx); err != nil {
		log.Printf("session shutdown: %v", err)
	}
}

func parseCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s unparseable: %q", key, v)
	}
	return n
}
