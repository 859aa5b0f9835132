package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kvshard/kvshard/internal/listener"
	"github.com/kvshard/kvshard/internal/raft"
	"github.com/kvshard/kvshard/internal/shard"
	"github.com/kvshard/kvshard/internal/wire"
	"github.com/kvshard/kvshard/pkg/log"
	"github.com/kvshard/kvshard/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kvshardd",
	Short:   "kvshardd - a sharded, in-memory KV cache with Raft-managed membership",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kvshardd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(raftCmd)
	raftCmd.AddCommand(raftInitClusterCmd)
	raftCmd.AddCommand(raftChangeClusterCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a shard daemon: data-plane listener, shard workers, and the Raft admin port",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Uint64("mem-limit", 1<<30, "Total memory budget in bytes, split evenly across shards (spec.md MEM_LIMIT)")
	serveCmd.Flags().Int("thread-nr", 4, "Number of shard worker goroutines (spec.md THREAD_NR)")
	serveCmd.Flags().Int("max-conn", 4096, "Aggregate connection budget, split evenly across shards (spec.md MAX_CONN)")
	serveCmd.Flags().Int("tcp-timeout-ms", 30_000, "Per-key lock expiry tick period in ms (spec.md TCP_TIMEOUT); no socket or idle-connection timeout is applied")
	serveCmd.Flags().String("listen-addr", "0.0.0.0:6380", "Data-plane listener address")
	serveCmd.Flags().String("raft-port", "6381", "Raft admin/peer port (the data-plane port + 1, per spec.md §6, unless overridden)")
	serveCmd.Flags().Uint32("raft-id", 0, "This node's Raft machine id; INIT_CLUSTER assigns ids to the machines in the log but does not change this value")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	memLimit, _ := cmd.Flags().GetUint64("mem-limit")
	threadNr, _ := cmd.Flags().GetInt("thread-nr")
	maxConn, _ := cmd.Flags().GetInt("max-conn")
	tcpTimeoutMS, _ := cmd.Flags().GetInt("tcp-timeout-ms")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	raftPort, _ := cmd.Flags().GetString("raft-port")
	raftID, _ := cmd.Flags().GetUint32("raft-id")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if !cmd.Flags().Changed("raft-port") {
		if _, p, err := net.SplitHostPort(listenAddr); err == nil {
			if n, err := strconv.Atoi(p); err == nil {
				raftPort = strconv.Itoa(n + 1)
			}
		}
	}

	dispatchers := make([]listener.Dispatcher, threadNr)
	shardStats := make([]metrics.ShardStats, threadNr)
	for i := 0; i < threadNr; i++ {
		sh, err := shard.New(shard.Config{
			ID:           i,
			MemLimit:     memLimit / uint64(threadNr),
			MaxConn:      maxConn / threadNr,
			TCPTimeoutMS: tcpTimeoutMS,
		})
		if err != nil {
			return fmt.Errorf("create shard %d: %w", i, err)
		}
		dispatchers[i] = sh
		shardStats[i] = sh
		go func(sh *shard.Shard) {
			if err := sh.Run(); err != nil {
				log.Logger.Error().Err(err).Int("shard_id", sh.ID()).Msg("shard loop exited")
			}
		}(sh)
	}

	transport := raft.NewTCPTransport(log.WithComponent("raft-transport"))
	node := raft.NewNode(raftID, transport, log.WithMachineID(raftID))
	node.Start()
	defer node.Stop()

	adminAddr := net.JoinHostPort(hostOf(listenAddr), raftPort)
	admin := raft.NewAdminServer(adminAddr, node)
	errCh := make(chan error, 2)
	go func() { errCh <- admin.Run() }()

	l := listener.New(listenAddr, dispatchers)
	go func() { errCh <- l.Run() }()

	collector := metrics.NewCollector(shardStats, node)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("listener", true, "listening on "+listenAddr)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	log.Logger.Info().
		Str("listen_addr", listenAddr).
		Str("raft_admin_addr", adminAddr).
		Int("thread_nr", threadNr).
		Msg("kvshardd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}
	return nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

var raftCmd = &cobra.Command{
	Use:   "raft",
	Short: "Raft cluster-membership administration",
}

var raftInitClusterCmd = &cobra.Command{
	Use:   "init-cluster",
	Short: "Bootstrap a fresh cluster from a list of machine addresses",
	RunE:  runRaftInitCluster,
}

var raftChangeClusterCmd = &cobra.Command{
	Use:   "change-cluster",
	Short: "Propose a reconfiguration (adjust, grow, or shrink) to the current leader",
	RunE:  runRaftChangeCluster,
}

func init() {
	for _, c := range []*cobra.Command{raftInitClusterCmd, raftChangeClusterCmd} {
		c.Flags().String("admin-addr", "127.0.0.1:6381", "Raft admin port of a server to contact")
		c.Flags().StringSlice("machine", nil, "host:port of one cluster machine; repeat per member")
	}
}

func runRaftInitCluster(cmd *cobra.Command, args []string) error {
	return sendChangeClusterReq(cmd, wire.CmdInitCluster)
}

func runRaftChangeCluster(cmd *cobra.Command, args []string) error {
	return sendChangeClusterReq(cmd, wire.CmdChangeCluster)
}

// sendChangeClusterReq is a thin admin client: dial adminAddr, send the
// command byte and a ChangeClusterReq built from --machine flags, and
// report the single boolean reply AdminServer writes back.
func sendChangeClusterReq(cmd *cobra.Command, cmdByte byte) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")
	rawMachines, _ := cmd.Flags().GetStringSlice("machine")
	if len(rawMachines) == 0 {
		return fmt.Errorf("at least one --machine host:port is required")
	}

	machines := make([]raft.Machine, 0, len(rawMachines))
	for _, hp := range rawMachines {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			return fmt.Errorf("invalid --machine %q: %w", hp, err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return fmt.Errorf("invalid --machine address %q", host)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid --machine port %q: %w", hp, err)
		}
		machines = append(machines, raft.Machine{Addr: ip, Port: uint16(port)})
	}

	conn, err := net.DialTimeout("tcp", adminAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", adminAddr, err)
	}
	defer conn.Close()

	req := raft.ChangeClusterReq{Machines: machines}
	if _, err := conn.Write(append([]byte{cmdByte}, req.Encode()...)); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if reply[0] == 0 {
		return fmt.Errorf("server rejected the request")
	}
	fmt.Println("ok")
	return nil
}
