// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/cubit-storage/cubit/pkg/cfgstruct"
	"github.com/cubit-storage/cubit/pkg/consensus/raftlog"
	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/pkg/fragstore/fraghttp"
	"github.com/cubit-storage/cubit/pkg/mds"
	"github.com/cubit-storage/cubit/pkg/process"
	"github.com/cubit-storage/cubit/pkg/segment"
	"github.com/cubit-storage/cubit/storage/boltdb"
)

// Config defines the segmentd configuration.
type Config struct {
	DataDir    string   `help:"directory for fragment storage, the repair queue and raft snapshots" default:"/var/lib/segmentd"`
	ListenAddr string   `help:"address to serve the fragment RPC on" default:"127.0.0.1:7778"`
	TotalSpace int64    `help:"local space in bytes available for fragments" default:"1073741824"`
	Members    []string `help:"segment data members as id@address pairs"`

	Segment segment.Config
	Raft    raftlog.Config
	Client  fraghttp.ClientConfig
}

var (
	rootCmd = &cobra.Command{
		Use:   "segmentd",
		Short: "Segment storage node",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the segment node",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create the data directory and an initial config file",
		RunE:  cmdSetup,
	}

	runCfg   Config
	setupCfg Config
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	cfgstruct.Bind(runCmd.Flags(), &runCfg)
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := process.InitDebug(log.Named("debug"), monkit.Default); err != nil {
		log.Error("starting debug endpoints failed", zap.Error(err))
	}

	membership, err := parseMembership(runCfg.Members)
	if err != nil {
		return err
	}
	if _, ok := membership.Find(cubit.NodeID(runCfg.Segment.NodeID)); !ok {
		return fmt.Errorf("node id %q is not listed in members", runCfg.Segment.NodeID)
	}

	fragKV, err := boltdb.New(log.Named("boltdb:fragments"), filepath.Join(runCfg.DataDir, "fragments.db"), runCfg.TotalSpace)
	if err != nil {
		return err
	}
	defer func() { _ = fragKV.Close() }()

	queueKV, err := boltdb.New(log.Named("boltdb:queue"), filepath.Join(runCfg.DataDir, "queue.db"), runCfg.TotalSpace)
	if err != nil {
		return err
	}
	defer func() { _ = queueKV.Close() }()

	store := fragstore.NewStore(log.Named("fragstore"), fragKV)

	meta := mds.New(log.Named("mds"), membership)
	raftCfg := runCfg.Raft
	if raftCfg.NodeID == "" {
		raftCfg.NodeID = runCfg.Segment.NodeID
	}
	if raftCfg.SnapshotDir == "" {
		raftCfg.SnapshotDir = filepath.Join(runCfg.DataDir, "raft")
	}
	clog, err := raftlog.New(log.Named("raft"), raftCfg, meta)
	if err != nil {
		return err
	}
	defer func() { _ = clog.Close() }()
	meta.Bind(clog)

	seg, err := segment.New(log.Named("segment"), runCfg.Segment, meta, store, queueKV, fraghttp.Dialer(runCfg.Client))
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    runCfg.ListenAddr,
		Handler: fraghttp.NewServer(log.Named("fraghttp"), store).Handler(),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("fragment RPC listening", zap.String("addr", runCfg.ListenAddr))
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
	group.Go(func() error {
		err := seg.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	return group.Wait()
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(setupCfg.DataDir, 0700); err != nil {
		return err
	}
	return process.SaveConfig(cmd, filepath.Join(setupCfg.DataDir, "config.yaml"), nil)
}

func parseMembership(members []string) (cubit.Membership, error) {
	var membership cubit.Membership
	for _, member := range members {
		idx := strings.Index(member, "@")
		if idx <= 0 || idx == len(member)-1 {
			return cubit.Membership{}, fmt.Errorf("malformed member %q, expected id@address", member)
		}
		membership.Members = append(membership.Members, cubit.Member{
			ID:   cubit.NodeID(member[:idx]),
			Addr: member[idx+1:],
			Role: cubit.RoleData,
		})
	}
	if len(membership.Members) == 0 {
		return cubit.Membership{}, fmt.Errorf("no segment members configured")
	}
	return membership, nil
}

func main() {
	process.Execute(rootCmd)
}
