// theseus runs a DHT peer: it generates local node-addresses, binds a
// listen port, accepts Noise_NK-secured KRPC connections, and launches
// self-lookups to seed its routing table.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
	"gopkg.in/urfave/cli.v1"

	"github.com/theseus-dht/theseus/config"
	"github.com/theseus-dht/theseus/internal/bencode"
	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/dht"
	"github.com/theseus-dht/theseus/internal/hasher"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/krpc"
	"github.com/theseus-dht/theseus/internal/lookup"
	"github.com/theseus-dht/theseus/internal/nodeaddr"
	"github.com/theseus-dht/theseus/internal/noisewrap"
	"github.com/theseus-dht/theseus/internal/peer"
	"github.com/theseus-dht/theseus/internal/stats"
	"github.com/theseus-dht/theseus/logger"
	"github.com/theseus-dht/theseus/logger/glog"
	"github.com/theseus-dht/theseus/plugins"
)

// Version is the application revision identifier, settable at link time.
var Version = "unknown"

// RotationInterval is how often the peer regenerates its local
// node-addresses and re-seeds its routing table: once per
// nodeaddr.TimeoutWindow.
const RotationInterval = nodeaddr.TimeoutWindow

var (
	homeFlag = cli.StringFlag{
		Name:  "home",
		Usage: "theseus home directory (default $THESEUSHOME or $HOME/.theseus)",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0-6)",
		Value: int(logger.Info),
	}
	publicIPFlag = cli.StringFlag{
		Name:  "public-ip",
		Usage: "public IP address this peer advertises in its node-addresses",
	}
	bootstrapFlag = cli.StringFlag{
		Name:  "bootstrap",
		Usage: "comma-separated host:port:hexkey bootstrap contacts",
	}
	genKeyFlag = cli.StringFlag{
		Name:  "genkey",
		Usage: "generate a static X25519 keypair, write the private half to this file, and exit",
	}
	keyFileFlag = cli.StringFlag{
		Name:  "keyfile",
		Usage: "static X25519 private key file (generated if absent)",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "theseus"
	app.Version = Version
	app.Usage = "a Kademlia-style DHT peer"
	app.Flags = []cli.Flag{homeFlag, verbosityFlag, publicIPFlag, bootstrapFlag, genKeyFlag, keyFileFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logger.Setup(glog.Level(ctx.Int(verbosityFlag.Name)))

	if path := ctx.String(genKeyFlag.Name); path != "" {
		return writeGeneratedKey(path)
	}

	cfg, err := config.Load(ctx.String(homeFlag.Name))
	if err != nil {
		return fmt.Errorf("theseus: loading config: %w", err)
	}

	staticKey, err := loadOrGenerateKey(ctx.String(keyFileFlag.Name))
	if err != nil {
		return fmt.Errorf("theseus: static key: %w", err)
	}

	publicIP := net.ParseIP(ctx.String(publicIPFlag.Name))
	if publicIP == nil {
		publicIP = net.IPv4(127, 0, 0, 1)
		glog.V(logger.Warn).Infof("theseus: no -public-ip given, advertising %s", publicIP)
	}

	svc := &peer.Service{
		Config:    cfg,
		Hasher:    hasher.New(),
		Stats:     stats.New(),
		PublicIP:  publicIP,
		StaticKey: staticKey,
	}
	if err := svc.GenerateLocalNodes(peer.DefaultNumNodes); err != nil {
		return fmt.Errorf("theseus: generating local node-addresses: %w", err)
	}

	ln, err := svc.ChooseListenPort()
	if err != nil {
		return fmt.Errorf("theseus: choosing listen port: %w", err)
	}
	defer ln.Close()

	self := contact.Info{Host: publicIP, Port: svc.ListenPort(), Key: pubKeyOf(staticKey)}

	tracker := peer.NewTracker()
	policy := &peer.Policy{
		Tracker:    tracker,
		Routing:    svc.RoutingTable(),
		Hasher:     svc.Hasher,
		Stats:      svc.Stats,
		Self:       self,
		LocalAddrs: svc.LocalAddrs,
		MaxVersion: 1,
	}
	if bs := ctx.String(bootstrapFlag.Name); bs != "" {
		contacts, err := parseBootstrapContacts(bs)
		if err != nil {
			return fmt.Errorf("theseus: parsing -bootstrap: %w", err)
		}
		svc.PeerSources = append(svc.PeerSources, &plugins.StaticPeerSource{Contacts: contacts})
	}

	finder := &netFinder{staticKey: staticKey}
	bootstrapped := svc.BootstrapFromSources(self, plugins.NotParanoid)
	glog.V(logger.Info).Infof("theseus: %d bootstrap contact(s)", len(bootstrapped))

	for _, na := range svc.LocalAddrs() {
		go runSelfLookup(svc, finder, tracker, na.Addr, self)
	}

	go acceptLoop(ln, svc, tracker, policy)
	go rotationLoop(svc, finder, tracker, self)

	glog.V(logger.Info).Infof("theseus: listening on %s:%d", publicIP, svc.ListenPort())
	select {} // run until killed
}

func writeGeneratedKey(path string) error {
	key, err := peer.GenerateStaticKey()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(hex.EncodeToString(key.Private)), 0600)
}

func loadOrGenerateKey(path string) (noise.DHKey, error) {
	if path == "" {
		return peer.GenerateStaticKey()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		key, err := peer.GenerateStaticKey()
		if err != nil {
			return noise.DHKey{}, err
		}
		if werr := os.WriteFile(path, []byte(hex.EncodeToString(key.Private)), 0600); werr != nil {
			return noise.DHKey{}, werr
		}
		return key, nil
	}
	if err != nil {
		return noise.DHKey{}, err
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(priv) != 32 {
		return noise.DHKey{}, fmt.Errorf("malformed key file: must be 32 bytes hex-encoded")
	}
	var privArr, pubArr [32]byte
	copy(privArr[:], priv)
	curve25519.ScalarBaseMult(&pubArr, &privArr)
	return noise.DHKey{Private: privArr[:], Public: pubArr[:]}, nil
}

func pubKeyOf(key noise.DHKey) [32]byte {
	var k [32]byte
	copy(k[:], key.Public)
	return k
}

func parseBootstrapContacts(s string) ([]contact.Info, error) {
	var out []contact.Info
	for _, item := range strings.Split(s, ",") {
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bootstrap contact %q must be host:port:hexkey", item)
		}
		host := net.ParseIP(parts[0])
		if host == nil {
			return nil, fmt.Errorf("bootstrap contact %q: invalid host", item)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("bootstrap contact %q: invalid port: %w", item, err)
		}
		keyBytes, err := hex.DecodeString(parts[2])
		if err != nil || len(keyBytes) != 32 {
			return nil, fmt.Errorf("bootstrap contact %q: invalid key", item)
		}
		var key [32]byte
		copy(key[:], keyBytes)
		out = append(out, contact.Info{Host: host, Port: uint16(port), Key: key})
	}
	return out, nil
}

// acceptLoop accepts inbound connections, wraps each in Noise_NK as the
// responder, and dispatches KRPC queries against a dht.Server bound to
// that connection's remote identity.
func acceptLoop(ln net.Listener, svc *peer.Service, tracker *peer.Tracker, policy *peer.Policy) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			glog.V(logger.Warn).Infof("theseus: accept: %v", err)
			return
		}
		go handleConn(raw, svc, tracker, policy)
	}
}

func handleConn(raw net.Conn, svc *peer.Service, tracker *peer.Tracker, policy *peer.Policy) {
	defer raw.Close()
	host, portStr, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		return
	}
	remoteHost := net.ParseIP(host)
	if tracker.IsBlacklisted(remoteHost) {
		return
	}

	nc, err := noisewrap.NewResponder(raw, svc.StaticKey)
	if err != nil {
		glog.V(logger.Debug).Infof("theseus: handshake with %s failed: %v", host, err)
		return
	}
	defer nc.Close()

	remotePort, _ := strconv.Atoi(portStr)
	server := &dht.Server{
		Routing:    svc.RoutingTable(),
		Store:      svc.Store(),
		Info:       policy,
		RemoteHost: remoteHost,
		RemotePort: uint16(remotePort),
		K:          kad.K,
	}
	conn := krpc.NewConn(nc)
	for {
		// Each inbound message must arrive within dht.IdleTimeout.
		_ = raw.SetDeadline(time.Now().Add(dht.IdleTimeout))
		if err := conn.Dispatch(server.Handle); err != nil {
			conn.FailAll(err)
			return
		}
	}
}

// runSelfLookup launches a lookup for addr and merges its results into the
// routing table via policy-equivalent insertion, per spec.md §4.8's
// "launch a self-lookup per new address" step.
func runSelfLookup(svc *peer.Service, finder *netFinder, tracker *peer.Tracker, addr kad.Addr, self contact.Info) {
	l := &lookup.Lookup{
		Target:    addr,
		Routing:   svc.RoutingTable(),
		Finder:    finder,
		Blacklist: tracker.IsContactBlacklisted,
		Self:      self,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	results, err := l.Start(ctx)
	if err != nil {
		glog.V(logger.Debug).Infof("theseus: self-lookup failed: %v", err)
		return
	}
	tbl := svc.RoutingTable()
	for _, e := range results {
		_ = tbl.Insert(e.Contact, e.NodeAddr.Addr, e)
	}
	if len(results) > 0 {
		svc.Stats.Observe(kad.Distance(addr, results[0].NodeAddr.Addr))
	}
}

// rotationLoop regenerates local node-addresses on RotationInterval and
// launches a fresh self-lookup per new address.
func rotationLoop(svc *peer.Service, finder *netFinder, tracker *peer.Tracker, self contact.Info) {
	ticker := time.NewTicker(RotationInterval)
	defer ticker.Stop()
	for range ticker.C {
		addrs, err := svc.RotateAddresses(peer.DefaultNumNodes)
		if err != nil {
			glog.V(logger.Warn).Infof("theseus: rotation failed: %v", err)
			continue
		}
		for _, na := range addrs {
			go runSelfLookup(svc, finder, tracker, na.Addr, self)
		}
	}
}

// netFinder implements lookup.Finder by dialing a contact, performing the
// Noise_NK handshake as initiator, and issuing one KRPC `find` query.
type netFinder struct {
	staticKey noise.DHKey
}

func (f *netFinder) Find(ctx context.Context, c contact.Info, target kad.Addr) ([]contact.RoutingEntry, error) {
	addr := net.JoinHostPort(c.Host.String(), strconv.Itoa(int(c.Port)))
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	nc, err := noisewrap.NewInitiator(raw, f.staticKey, c.Key[:])
	if err != nil {
		raw.Close()
		return nil, err
	}
	defer nc.Close()

	conn := krpc.NewConn(nc)
	result, err := conn.Query("find", bencode.Dict{"addr": bencode.Bytes(target[:])})
	if err != nil {
		return nil, err
	}
	nodesList, ok := result["nodes"].(bencode.List)
	if !ok {
		return nil, errors.New("netFinder: malformed find response")
	}
	out := make([]contact.RoutingEntry, 0, len(nodesList))
	for _, v := range nodesList {
		b, ok := v.(bencode.Bytes)
		if !ok {
			continue
		}
		entry, err := contact.Decode(b, c.Host)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
