// Copyright 2025 Certen Protocol
//
// Process entrypoint: wires one committee's consensus engine, pacemaker,
// foreign proposal handler and sync server to a storage backend, a gossip
// transport, and the HTTP submission/metrics surface, then runs until
// signaled to stop.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/config"
	"github.com/certen/dan-validator/pkg/consensus"
	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/crypto/bls_zkp"
	"github.com/certen/dan-validator/pkg/database"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/executor"
	"github.com/certen/dan-validator/pkg/foreign"
	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/metrics"
	"github.com/certen/dan-validator/pkg/pacemaker"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/server"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/sync"
	"github.com/certen/dan-validator/pkg/types"
	"github.com/certen/dan-validator/pkg/wire"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("validator: %v", err)
	}
}

func run() error {
	log.Println("🔧 [Phase 1] Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	protocolCfg, err := config.LoadProtocolConfig(cfg.ProtocolConfigPath)
	if err != nil {
		return fmt.Errorf("load protocol config: %w", err)
	}
	log.Printf("✅ [Phase 1] Loaded config for validator %s (network=%s)", cfg.ValidatorID, cfg.NetworkName)

	log.Println("🔑 [Phase 2] Loading signing key...")
	if err := bls.Initialize(); err != nil {
		return fmt.Errorf("initialize bls backend: %w", err)
	}
	privKey, err := loadOrGenerateBLSKey(cfg.BLSKeyPath)
	if err != nil {
		return fmt.Errorf("load bls key: %w", err)
	}
	selfPubKey := privKey.PublicKey().Bytes()
	log.Printf("✅ [Phase 2] Validator identity: %s", privKey.PublicKey().Hex())

	log.Println("🗄️ [Phase 3] Opening state store...")
	db, err := kvdb.Open(cfg.KVDriver, "validator", cfg.KVDir)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer db.Close()
	store, err := storage.New(kvdb.NewKVAdapter(db))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	blocks := blockstore.New(store)
	log.Println("✅ [Phase 3] State store ready")

	shardGroup := types.ShardGroup{Start: 0, End: types.Shard((uint32(1) << protocolCfg.Network.ShardBits) - 1)}
	epochNum := types.Epoch(0)
	epochManager := epoch.NewStaticManager(epochNum)
	if err := epochManager.SetCommittee(epochNum, shardGroup, []epoch.Validator{
		{PublicKey: selfPubKey, VotingPower: 1},
	}); err != nil {
		return fmt.Errorf("seed committee: %w", err)
	}
	log.Printf("✅ [Phase 3] Committee seeded for shard group %s, epoch %d", shardGroup, epochNum)

	registry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	var archive *database.TransactionRepository
	if cfg.DatabaseURL != "" {
		log.Println("🗄️ [Phase 4] Connecting to transaction archive...")
		dbClient, err := database.NewClient(cfg)
		if err != nil {
			if cfg.DatabaseRequired {
				return fmt.Errorf("connect transaction archive: %w", err)
			}
			log.Printf("⚠️ [Phase 4] Transaction archive unavailable, continuing without it: %v", err)
		} else {
			defer dbClient.Close()
			if err := dbClient.MigrateUp(context.Background()); err != nil {
				return fmt.Errorf("migrate transaction archive: %w", err)
			}
			archive = database.NewTransactionRepository(dbClient)
			log.Println("✅ [Phase 4] Transaction archive ready")
		}
	} else {
		log.Println("⚠️ [Phase 4] DATABASE_URL not set, transaction archive disabled")
	}

	log.Println("📦 [Phase 5] Starting transaction pool...")
	txPool, err := pool.New(store, pool.Config{
		Local:        shardGroup,
		ShardBits:    protocolCfg.Network.ShardBits,
		ResolveShard: func(types.Shard) types.ShardGroup { return shardGroup },
		OnStageChange: func(entry *types.PoolEntry, from types.PoolStage) {
			if archive == nil || !entry.Stage.IsTerminal() {
				return
			}
			rec, err := store.GetTransactionRecord(entry.TransactionId)
			if err != nil {
				log.Printf("archive lookup %s: %v", entry.TransactionId, err)
				return
			}
			if err := archive.Insert(context.Background(), rec); err != nil {
				log.Printf("archive insert %s: %v", entry.TransactionId, err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	transport := newGossipTransport(strings.FieldsFunc(os.Getenv("PEER_ADDRS"), func(r rune) bool { return r == ',' }))

	participation := consensus.NewParticipationMonitor(store, consensus.ParticipationMonitorConfig{
		SuspendThreshold: uint64(protocolCfg.Suspend.SuspendThreshold),
		DecayShare:       protocolCfg.Suspend.ParticipationDecayShare,
	})
	participation.SetOnSuspend(func(pubKey []byte, height uint64) {
		log.Printf("⚠️ validator %x suspended for inactivity at height %d", pubKey, height)
	})
	if err := participation.Start(); err != nil {
		return fmt.Errorf("start participation monitor: %w", err)
	}
	defer participation.Stop()

	log.Println("🔒 [Phase 5a] Preparing confidential-output verifier...")
	rangeProver := bls_zkp.NewRangeProver()
	if err := rangeProver.Initialize(); err != nil {
		return fmt.Errorf("initialize range prover: %w", err)
	}
	execAdapter, err := executor.New(noTemplateEngine{}, executor.Config{RangeProver: rangeProver})
	if err != nil {
		return fmt.Errorf("start executor adapter: %w", err)
	}
	defer execAdapter.Close()
	log.Println("✅ [Phase 5a] Confidential-output verifier ready")

	log.Println("⚙️ [Phase 6] Starting consensus engine...")
	// pm is assigned once the pacemaker is constructed below; OnCommit closes
	// over the pointer since the pacemaker itself needs the engine to exist
	// first (engine -> pacemaker -> (back to) engine.OnCommit).
	var pm *pacemaker.Pacemaker
	engine, err := consensus.New(consensus.Config{
		Store:        store,
		Blocks:       blocks,
		EpochManager: epochManager,
		Pool:         txPool,
		ShardGroup:   shardGroup,
		SelfPubKey:   selfPubKey,
		SelfPrivKey:  privKey,
		MaxSizeBytes: protocolCfg.Block.MaxSizeBytes,
		MaxCommands:  protocolCfg.Block.MaxCommands,
		TreeStore:    store.TreeNodeStore(),
		Executor:     execAdapter,
		OnNoVote:     registry.NoVoteHook(),
		OnCommit: func(b *types.Block) {
			registry.CommitHook()(b)
			if pm != nil {
				pm.NotifyCommit(b)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("start consensus engine: %w", err)
	}

	foreignHandler, err := foreign.New(foreign.Config{
		Store:        store,
		Pool:         txPool,
		EpochManager: epochManager,
		OnInvalid:    registry.ForeignInvalidHook(),
	})
	if err != nil {
		return fmt.Errorf("start foreign handler: %w", err)
	}

	syncer, err := sync.New(sync.Config{
		Store:            store,
		EpochManager:      epochManager,
		MaxBlocksPerSync:  protocolCfg.Sync.MaxBlocksPerSync,
		ComputeExpectedMerkleRoot: func(b *types.Block) (types.Hash32, error) {
			return engine.ExpectedMerkleRoot(b.Height, b.Commands)
		},
		KnownTransactions: blocks.KnownTransactionsResolver(nil),
	})
	if err != nil {
		return fmt.Errorf("start syncer: %w", err)
	}

	genesis, err := loadOrCreateGenesis(store, blocks, shardGroup)
	if err != nil {
		return fmt.Errorf("prepare genesis: %w", err)
	}
	if err := engine.AdvanceToRunning(epochNum, genesis); err != nil {
		return fmt.Errorf("advance to running: %w", err)
	}
	log.Printf("✅ [Phase 6] Consensus engine running from height %d", genesis.Height)

	pm, err = pacemaker.New(pacemaker.Config{
		Engine:        engine,
		BlockTime:     protocolCfg.Pacemaker.BlockTime.Duration(),
		LeaderTimeout: protocolCfg.Pacemaker.LeaderTimeout.Duration(),
		BuildInput:    buildInputFunc(engine, blocks, txPool, epochManager, participation, protocolCfg.Suspend),
		OnProposal: func(b *types.Block) {
			transport.broadcast(&wire.Proposal{Block: b})
		},
		OnVote: func(v *types.Vote) {
			transport.broadcast(v)
		},
		OnMiss: func(pubKey []byte, height uint64) {
			if err := participation.RecordMiss(pubKey, height); err != nil {
				log.Printf("record missed proposal: %v", err)
			}
		},
		OnParticipation: func(pubKey []byte, height uint64) {
			if err := participation.RecordParticipation(pubKey, height); err != nil {
				log.Printf("record participation: %v", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("start pacemaker: %w", err)
	}

	log.Println("🌐 [Phase 7] Starting peer listener...")
	listener, err := net.Listen("tcp", cfg.P2PListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.P2PListenAddr, err)
	}
	defer listener.Close()
	ps := &peerServer{
		engine:    engine,
		pm:        pm,
		fh:        foreignHandler,
		syncer:    syncer,
		blocks:    blocks,
		pool:      txPool,
		reg:       registry,
		transport: transport,
	}
	go servePeers(listener, ps)
	log.Printf("✅ [Phase 7] Peer listener on %s", cfg.P2PListenAddr)

	log.Println("🚦 [Phase 8] Starting HTTP surfaces...")
	handlers, err := server.NewTransactionHandlers(server.Config{
		Pool:    txPool,
		Archive: archive,
		Engine:  engine,
	})
	if err != nil {
		return fmt.Errorf("start transaction handlers: %w", err)
	}
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/v1/transactions", handlers.HandleSubmit)
	apiMux.HandleFunc("GET /v1/state/{id}/proof", handlers.HandleStateProof)
	apiMux.HandleFunc("/healthz", handlers.HandleHealth)
	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: apiMux}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("api server: %v", err)
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", registry.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	log.Printf("✅ [Phase 8] API on %s, metrics on %s", cfg.ListenAddr, cfg.MetricsAddr)

	if err := pm.Start(); err != nil {
		return fmt.Errorf("start pacemaker: %w", err)
	}
	log.Println("🚀 Validator running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("🛑 Shutting down...")
	pm.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

// loadOrGenerateBLSKey reads the validator's signing key from path, creating
// a fresh one and persisting it there on first run.
func loadOrGenerateBLSKey(path string) (*bls.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		return bls.PrivateKeyFromHex(strings.TrimSpace(string(data)))
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	priv, _, err := bls.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Bytes())), 0600); err != nil {
		return nil, fmt.Errorf("persist generated bls key: %w", err)
	}
	return priv, nil
}

// loadOrCreateGenesis returns the shard group's existing height-0 block, or
// constructs and persists a fresh, unsigned one.
func loadOrCreateGenesis(store *storage.Store, blocks *blockstore.BlockStore, sg types.ShardGroup) (*types.Block, error) {
	if existing, err := blocks.GetByHeight(sg, 0); err == nil {
		return existing, nil
	} else if !storage.IsNotFound(err) {
		return nil, err
	}
	genesis := &types.Block{
		ShardGroup: sg,
		Height:     0,
		Justify:    types.GenesisQC(),
		Timestamp:  uint64(time.Now().Unix()),
	}
	genesis.Id = genesis.ComputeId()
	if err := blocks.Put(genesis); err != nil {
		return nil, err
	}
	return genesis, nil
}

// buildInputFunc snapshots the pool's ready transactions and the
// committee's participation stats into a blockstore.BuildInput for the
// pacemaker to hand the engine at each new height. Foreign-ready evidence
// and mint outputs are left empty: neither the foreign handler's Confirmed
// set nor an external mint oracle is wired to a concrete feed in this
// entrypoint.
func buildInputFunc(engine *consensus.Engine, blocks *blockstore.BlockStore, p *pool.Pool, epochManager *epoch.StaticManager, participation *consensus.ParticipationMonitor, suspend config.SuspendSettings) pacemaker.BuildInputFunc {
	return func(ctx context.Context, height uint64) (blockstore.BuildInput, error) {
		leaf := engine.Leaf()
		atoms, err := p.ReadyAtoms(engine.ShardGroup())
		if err != nil {
			return blockstore.BuildInput{}, err
		}

		committee, err := epochManager.CommitteeInfo(engine.Epoch(), engine.ShardGroup())
		if err != nil {
			return blockstore.BuildInput{}, fmt.Errorf("resolve committee: %w", err)
		}
		members := make([][]byte, len(committee.Validators))
		for i, v := range committee.Validators {
			members[i] = v.PublicKey
		}
		stats, err := participation.StatsByValidator(members)
		if err != nil {
			return blockstore.BuildInput{}, err
		}

		in := blockstore.BuildInput{
			Parent:            leaf,
			Justify:           engine.HighQC(),
			Height:            height,
			Epoch:             engine.Epoch(),
			ShardGroup:        engine.ShardGroup(),
			ProposedBy:        engine.SelfPubKey(),
			ReadyAtoms:        atoms,
			StatsByValidator:  stats,
			MissedProposalCap: uint64(suspend.MissedProposalCap),
			SuspendThreshold:  uint64(suspend.SuspendThreshold),
			MaxCommands:       1000,
			Timestamp:         uint64(time.Now().Unix()),
		}
		root, err := engine.ExpectedMerkleRoot(height, blockstore.OrderedCommands(in))
		if err != nil {
			return blockstore.BuildInput{}, fmt.Errorf("predict post-state root: %w", err)
		}
		in.PostStateRoot = root
		return in, nil
	}
}

// noTemplateEngine satisfies executor.Engine without dispatching to any
// real external template engine. The adapter built around it in run() is
// wired only for VerifyMintOutput's range-proof check; general transaction
// execution against an external engine is not yet connected to this
// entrypoint.
type noTemplateEngine struct{}

func (noTemplateEngine) Validate(tx *types.Transaction, currentEpoch types.Epoch) error {
	return fmt.Errorf("cmd/validator: no template engine configured")
}

func (noTemplateEngine) Execute(ctx context.Context, tx *types.Transaction, inputs []types.Substate, virtualSubstates []types.Substate) (*types.FinalizeResult, error) {
	return nil, fmt.Errorf("cmd/validator: no template engine configured")
}
