package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/roulette/internal/engine"
	"github.com/whisper/roulette/internal/history"
	"github.com/whisper/roulette/internal/messaging"
	"github.com/whisper/roulette/internal/moderation"
	"github.com/whisper/roulette/internal/protocol"
	"github.com/whisper/roulette/internal/queue"
	"github.com/whisper/roulette/internal/ratelimit"
	"github.com/whisper/roulette/internal/relay"
	"github.com/whisper/roulette/internal/session"
	"github.com/whisper/roulette/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	engineConfig := engine.DefaultConfig()
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.SweepInterval = d
		}
	}
	if v := os.Getenv("QUEUE_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.StaleAfter = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsConfig.Name = "roulette-engined"
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Backends: Redis for scaled deployments, in-memory for single node ---
	backend := os.Getenv("BACKEND")
	if backend == "" {
		backend = "redis"
	}

	var (
		store    queue.Store
		registry session.Registry
		limiter  *ratelimit.Limiter
	)
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	switch backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		store = queue.NewRedis(rdb)
		registry = session.NewRedis(rdb)
		limiter = ratelimit.NewLimiter(rdb)
	case "memory":
		store = queue.NewMemory()
		registry = session.NewMemory()
	default:
		log.Fatalf("unknown BACKEND %q (want redis or memory)", backend)
	}

	// --- Moderation: remote worker over NATS, or the built-in filter ---
	var moderator moderation.Moderator
	if os.Getenv("MODERATION_REMOTE") == "1" {
		moderator = moderation.NewRemote(natsClient)
	} else {
		moderator = moderation.NewFilter()
	}

	// --- History: optional PostgreSQL persistence ---
	var historyStore *history.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		db, err := history.Open(dsn)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		historyStore = history.NewStore(db)
	}

	// Relay events travel over NATS even for same-process partners: each
	// instance subscribes to its connected participants' subjects, so
	// delivery works identically whether the partner is local or remote.
	delivery := relay.DeliveryFunc(func(participantID string, ev *relay.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return natsClient.PublishParticipantEvent(participantID, data)
	})

	var messageSink relay.HistorySink
	var sessionSink engine.SessionSink
	if historyStore != nil {
		messageSink = historyStore
		sessionSink = historyStore
	}

	rly := relay.New(registry, delivery, moderator, messageSink)
	svc := engine.New(engineConfig, store, registry, rly, sessionSink)

	log.Printf("Roulette engine starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  backend:         %s", backend)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  sweep_interval:  %s", engineConfig.SweepInterval)
	log.Printf("  stale_after:     %s", engineConfig.StaleAfter)

	// Declare server early so closures can capture it.
	var server *ws.Server

	dispatcher := ws.NewMessageDispatcher()

	// sendError maps an engine error to a structured error message.
	sendError := func(conn *ws.Connection, err error) {
		code := "internal"
		switch {
		case errors.Is(err, queue.ErrDuplicateParticipant):
			code = "already_queued"
		case errors.Is(err, session.ErrAlreadyInSession):
			code = "already_in_session"
		case errors.Is(err, session.ErrSessionNotFound):
			code = "session_not_found"
		case errors.Is(err, relay.ErrSenderNotInSession):
			code = "not_in_session"
		case errors.Is(err, relay.ErrContentTooLong):
			code = "content_too_long"
		case errors.Is(err, relay.ErrContentRejected):
			code = "content_rejected"
		case errors.Is(err, queue.ErrBackendUnavailable):
			code = "backend_unavailable"
		}
		resp, merr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: err.Error(),
		})
		if merr != nil {
			return
		}
		_ = conn.WriteMessage(resp)
	}

	sendRateLimited := func(conn *ws.Connection, retryAfter int) {
		resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: retryAfter,
		})
		_ = conn.WriteMessage(resp)
	}

	// -----------------------------------------------------------------------
	// join_queue — enter the matching queue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinQueue, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinQueueMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleJoin); !allowed {
				sendRateLimited(conn, int(ratelimit.RuleJoin.Window.Seconds()))
				return
			}
		}

		mode := queue.ChatMode(joinMsg.Mode)
		if joinMsg.Mode == "" {
			mode = queue.ModeText
		}

		result, err := svc.JoinQueue(ctx, conn.ID, mode, queue.Preferences{
			Interests: joinMsg.Interests,
			Languages: joinMsg.Languages,
			AgeRange:  joinMsg.AgeRange,
		})
		if err != nil {
			log.Printf("join_queue participant=%s: %v", conn.ID, err)
			sendError(conn, err)
			return
		}

		// On an immediate match the engine delivers the matched event through
		// the relay; only the still-queued outcome is answered here.
		if result.Matched == nil {
			resp, _ := protocol.NewServerMessage(protocol.TypeQueued, protocol.QueuedMsg{
				Position:        result.Position,
				EstimatedWaitMs: result.EstimatedWait.Milliseconds(),
			})
			_ = conn.WriteMessage(resp)
		}

		log.Printf("join_queue participant=%s mode=%s interests=%v", conn.ID, mode, joinMsg.Interests)
	})

	// -----------------------------------------------------------------------
	// leave_queue — leave the matching queue
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveQueue, func(conn *ws.Connection, msg interface{}) {
		if err := svc.LeaveQueue(context.Background(), conn.ID); err != nil {
			log.Printf("leave_queue participant=%s: %v", conn.ID, err)
		}
		log.Printf("leave_queue participant=%s", conn.ID)
	})

	// -----------------------------------------------------------------------
	// message — relay a chat message to the partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage); !allowed {
				sendRateLimited(conn, int(ratelimit.RuleMessage.Window.Seconds()))
				return
			}
		}

		if _, err := svc.SendMessage(ctx, chatMsg.SessionID, conn.ID, chatMsg.Text); err != nil {
			log.Printf("message participant=%s session=%s: %v", conn.ID, chatMsg.SessionID, err)
			sendError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing_start / typing_stop — relay typing indicators
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTypingStart, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		if err := svc.StartTyping(context.Background(), typingMsg.SessionID, conn.ID); err != nil {
			log.Printf("typing_start participant=%s session=%s: %v", conn.ID, typingMsg.SessionID, err)
		}
	})

	dispatcher.Register(protocol.TypeTypingStop, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		if err := svc.StopTyping(context.Background(), typingMsg.SessionID, conn.ID); err != nil {
			log.Printf("typing_stop participant=%s session=%s: %v", conn.ID, typingMsg.SessionID, err)
		}
	})

	// -----------------------------------------------------------------------
	// signal — forward an opaque peer-connection payload
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSignal, func(conn *ws.Connection, msg interface{}) {
		signalMsg, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		err := svc.SendSignal(context.Background(), signalMsg.SessionID, conn.ID, signalMsg.Kind, signalMsg.Payload)
		if err != nil {
			log.Printf("signal participant=%s session=%s kind=%s: %v", conn.ID, signalMsg.SessionID, signalMsg.Kind, err)
			sendError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// end_session — end the active session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeEndSession, func(conn *ws.Connection, msg interface{}) {
		endMsg, ok := msg.(protocol.EndSessionMsg)
		if !ok {
			return
		}
		if err := svc.EndSession(context.Background(), endMsg.SessionID, conn.ID); err != nil {
			log.Printf("end_session participant=%s session=%s: %v", conn.ID, endMsg.SessionID, err)
			sendError(conn, err)
			return
		}
		log.Printf("end_session participant=%s session=%s", conn.ID, endMsg.SessionID)
	})

	// Client keepalive pings double as queue heartbeats.
	dispatcher.SetOnPing(func(participantID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.Heartbeat(ctx, participantID); err != nil {
			log.Printf("heartbeat participant=%s: %v", participantID, err)
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)

	if limiter != nil {
		server.SetConnGate(func(remoteIP string) bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			allowed, _ := limiter.Allow(ctx, remoteIP, ratelimit.RuleConnect)
			return allowed
		})
	}

	// Bridge the participant's NATS event feed onto their WebSocket.
	server.SetOnConnect(func(conn *ws.Connection) {
		pid := conn.ID
		if err := natsClient.SubscribeParticipant(pid, func(data []byte) {
			if err := server.SendMessage(pid, data); err != nil {
				log.Printf("[event-feed] deliver to participant=%s failed: %v", pid, err)
			}
		}); err != nil {
			log.Printf("[event-feed] subscribe participant=%s failed: %v", pid, err)
		}
	})

	server.SetOnDisconnect(func(participantID string) {
		_ = natsClient.UnsubscribeParticipant(participantID)
		svc.OnDisconnect(participantID)
	})

	svc.Start()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		svc.Stop()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if historyStore != nil {
			historyStore.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
