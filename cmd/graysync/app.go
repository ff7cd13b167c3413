package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/api"
	"github.com/nerrad567/gray-logic-sync/internal/audit"
	"github.com/nerrad567/gray-logic-sync/internal/conflict"
	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/kafka"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/redis"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/notify"
	"github.com/nerrad567/gray-logic-sync/internal/reconcile"
	"github.com/nerrad567/gray-logic-sync/internal/scheduler"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// notifyHTTPTimeout bounds SMS and webhook notification deliveries.
const notifyHTTPTimeout = 15 * time.Second

// app holds every long-lived component of a graysync process.
type app struct {
	cfg *config.Config
	log *logging.Logger
	db  *database.DB

	integrations *integration.Registry
	devices      *device.Registry
	activity     *activity.Repository
	audit        *audit.SQLRepository
	adapters     *adapter.Set
	receiver     *adapter.Receiver
	resolver     *conflict.Resolver
	queue        *syncqueue.Dispatcher
	scheduler    *scheduler.Scheduler
	notifier     *notify.Notifier
	hub          *api.Hub

	influx *influxdb.Client
	redis  *redis.Client
	kafka  *kafka.Publisher

	closers []func()
}

// newApp opens the database, applies migrations and wires the sync engine.
// Optional backends (InfluxDB, Redis, Kafka) are connected when enabled.
// On error every component opened so far is closed again.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	if err = a.openDatabase(ctx); err != nil {
		return a, err
	}
	if err = a.connectBackends(ctx); err != nil {
		return a, err
	}
	if err = a.buildRegistries(ctx); err != nil {
		return a, err
	}
	a.buildEngine()
	return a, nil
}

func (a *app) openDatabase(ctx context.Context) error {
	db, err := openDatabase(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.db = db
	a.onClose("database", db.Close)
	return nil
}

// openDatabase opens the SQLite store and brings the schema up to date.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetLogger(log)

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	return db, nil
}

// connectBackends connects the optional telemetry, lock and event backends.
// A disabled backend is skipped; an enabled one that fails is fatal.
func (a *app) connectBackends(ctx context.Context) error {
	influx, err := influxdb.Connect(a.cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		a.log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		influx.SetOnError(func(err error) {
			a.log.Warn("InfluxDB write failed", "error", err)
		})
		a.influx = influx
		a.onClose("InfluxDB", influx.Close)
		a.log.Info("InfluxDB connected", "url", a.cfg.InfluxDB.URL)
	}

	rdb, err := redis.Connect(a.cfg.Redis)
	switch {
	case errors.Is(err, redis.ErrDisabled):
		a.log.Info("Redis disabled, dispatch lock is in-process only")
	case err != nil:
		return fmt.Errorf("connecting to Redis: %w", err)
	default:
		if err := rdb.HealthCheck(ctx); err != nil {
			rdb.Close() //nolint:errcheck // already failing
			return fmt.Errorf("checking Redis: %w", err)
		}
		a.redis = rdb
		a.onClose("Redis", rdb.Close)
		a.log.Info("Redis connected", "addr", a.cfg.Redis.Addr)
	}

	pub, err := kafka.NewPublisher(a.cfg.Kafka)
	switch {
	case errors.Is(err, kafka.ErrDisabled):
		a.log.Info("Kafka disabled")
	case err != nil:
		return fmt.Errorf("creating Kafka publisher: %w", err)
	default:
		a.kafka = pub
		a.onClose("Kafka", pub.Close)
		a.log.Info("Kafka publisher ready", "topic", pub.Topic())
	}
	return nil
}

func (a *app) buildRegistries(ctx context.Context) error {
	sealer, err := integration.NewSealer(a.cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("creating credential sealer: %w", err)
	}

	a.integrations = integration.NewRegistry(integration.NewSQLRepository(a.db.DB), sealer)
	a.integrations.SetLogger(a.log)
	if a.cfg.Sync.DefaultMaxRetries > 0 {
		a.integrations.DefaultMaxRetries = a.cfg.Sync.DefaultMaxRetries
	}
	if err := a.integrations.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading integrations: %w", err)
	}

	a.devices = device.NewRegistry(
		device.NewSQLRepository(a.db.DB),
		device.NewSQLAssignmentRepository(a.db.DB),
		device.NewSQLFirmwareRepository(a.db.DB),
	)
	a.devices.SetLogger(a.log)
	if err := a.devices.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	a.log.Info("registries loaded", "devices", a.devices.GetDeviceCount())

	a.activity = activity.NewRepository(a.db.DB)
	a.audit = audit.NewSQLRepository(a.db.DB)
	return nil
}

// buildEngine wires adapters, conflict resolution, the queue, the scheduler
// and notifications. The hub is created first so the in-app channel and the
// API server share it.
func (a *app) buildEngine() {
	var telemetry adapter.TelemetrySink
	if a.influx != nil {
		telemetry = a.influx
	}

	snapshots := adapter.NewSnapshotStore(a.db.DB)
	a.adapters = adapter.NewDefaultSet(adapter.Deps{
		Recorder:  a.activity,
		Snapshots: snapshots,
		Telemetry: telemetry,
		Observer:  metrics.AdapterObserver{},
		MQTT:      mqtt.OptionsFromConfig(a.cfg.MQTT),
		Timeout:   config.Seconds(a.cfg.Sync.AdapterTimeout),
		Logger:    a.log,
	})
	a.onClose("adapters", a.adapters.Close)

	a.receiver = adapter.NewReceiver(snapshots, telemetry, a.activity)
	a.receiver.SetLogger(a.log)

	a.hub = api.NewHub(a.cfg.WebSocket, a.log)
	a.notifier = notify.NewNotifier(
		notify.NewSQLRepository(a.db.DB),
		notify.ConfigFrom(a.cfg.Notifications),
		a.senders()...,
	)
	a.notifier.SetLogger(a.log)

	a.resolver = conflict.NewResolver(conflict.NewSQLRepository(a.db.DB), a.devices, a.notifier)
	a.resolver.SetLogger(a.log)

	qcfg := syncqueue.ConfigFrom(a.cfg.Sync)
	executor := reconcile.NewExecutor(a.adapters, a.integrations, a.devices, a.resolver, a.activity)
	executor.SetLogger(a.log)
	executor.SetBackoff(qcfg.Backoff)
	if telemetry != nil {
		executor.SetTelemetry(telemetry)
	}

	a.queue = syncqueue.NewDispatcher(syncqueue.NewSQLRepository(a.db.DB), a.integrations, executor, qcfg)
	a.queue.SetLogger(a.log)
	a.queue.SetNotifier(a.notifier)
	if a.redis != nil {
		a.queue.SetLocker(a.redis)
	}
	if a.kafka != nil {
		a.queue.SetEvents(a.kafka)
	}

	a.scheduler = scheduler.New(
		scheduler.NewSQLRepository(a.db.DB),
		a.queue,
		a.integrations,
		a.devices,
		a.devices.Assignments(),
		a.adapters,
		scheduler.ConfigFrom(a.cfg),
	)
	a.scheduler.SetLogger(a.log)
	a.queue.OnComplete(a.scheduler.OnComplete)
	if a.influx != nil {
		a.queue.OnComplete(recordSyncRun(a.influx))
	}

	edits := reconcile.NewLocalEdits(a.queue, a.integrations, a.devices.Assignments())
	edits.SetLogger(a.log)
	a.devices.OnLocalChange(edits.Hook())
}

// senders returns the notification channels that have configuration.
// Webhook and in-app delivery need none and are always present.
func (a *app) senders() []notify.Sender {
	client := &http.Client{Timeout: notifyHTTPTimeout}
	senders := []notify.Sender{
		notify.NewWebhookSender(client),
		notify.NewInAppSender(a.hub),
	}
	if a.cfg.Notifications.SMTP.Host != "" {
		senders = append(senders, notify.NewEmailSender(a.cfg.Notifications.SMTP))
	}
	if a.cfg.Notifications.SMS.URL != "" {
		senders = append(senders, notify.NewSMSSender(a.cfg.Notifications.SMS, client))
	}
	return senders
}

// recordSyncRun writes one InfluxDB point per finished queue entry.
func recordSyncRun(influx *influxdb.Client) syncqueue.CompletionFunc {
	return func(_ context.Context, e *syncqueue.Entry, res *syncqueue.Result) {
		run := influxdb.SyncRun{
			OrganizationID: e.OrganizationID,
			IntegrationID:  e.IntegrationID,
			Operation:      string(e.Operation),
			Status:         string(e.Status),
			At:             time.Now().UTC(),
		}
		if e.CompletedAt != nil {
			run.At = *e.CompletedAt
			if e.StartedAt != nil {
				run.Duration = e.CompletedAt.Sub(*e.StartedAt)
			}
		}
		if res != nil {
			run.Processed = res.Processed
			run.Succeeded = res.Succeeded
			run.Failed = res.Failed
			run.Conflicts = res.Conflicts
		}
		influx.WriteSyncRun(run)
	}
}

// startMQTT opens broker sessions for every enabled MQTT integration.
// A session that cannot start is logged and retried on the next serve.
func (a *app) startMQTT(ctx context.Context) {
	m := a.adapters.MQTT()
	if m == nil {
		return
	}
	enabled := true
	list, err := a.integrations.List(ctx, integration.ListFilter{Type: integration.TypeMQTT, Enabled: &enabled})
	if err != nil {
		a.log.Error("listing MQTT integrations", "error", err)
		return
	}
	for i := range list {
		in := &list[i]
		creds, err := a.integrations.Credentials(ctx, in.ID)
		if err != nil {
			a.log.Error("loading MQTT credentials", "integration_id", in.ID, "error", err)
			continue
		}
		if err := m.Start(adapter.Target{Integration: in, Credentials: creds}); err != nil {
			a.log.Warn("MQTT session not started", "integration_id", in.ID, "error", err)
			continue
		}
		a.log.Info("MQTT session started", "integration_id", in.ID)
	}
}

// newServer builds the HTTP API over the app's components.
func (a *app) newServer() (*api.Server, error) {
	return api.New(api.Deps{
		Config:       a.cfg.API,
		WS:           a.cfg.WebSocket,
		Security:     a.cfg.Security,
		Logger:       a.log,
		DB:           a.db,
		Integrations: a.integrations,
		Devices:      a.devices,
		Queue:        a.queue,
		Conflicts:    a.resolver,
		Scheduler:    a.scheduler,
		Adapters:     a.adapters,
		Receiver:     a.receiver,
		Activity:     a.activity,
		Audit:        a.audit,
		Notifier:     a.notifier,
		Hub:          a.hub,
		Version:      version,
	})
}

// onClose registers a close function run by close in reverse order.
func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, func() {
		a.log.Info("closing " + name)
		if err := fn(); err != nil {
			a.log.Error("error closing "+name, "error", err)
		}
	})
}

// close releases every registered resource, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
