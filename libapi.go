package transitflow

import (
	configpkg "github.com/drblury/transitflow/internal/runtime/config"
	connectionpkg "github.com/drblury/transitflow/internal/runtime/connection"
	driverpkg "github.com/drblury/transitflow/internal/runtime/driver"
	errspkg "github.com/drblury/transitflow/internal/runtime/errors"
	fanoutpkg "github.com/drblury/transitflow/internal/runtime/fanout"
	idspkg "github.com/drblury/transitflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/transitflow/internal/runtime/jsoncodec"
	locationpkg "github.com/drblury/transitflow/internal/runtime/location"
	loggingpkg "github.com/drblury/transitflow/internal/runtime/logging"
	messagespkg "github.com/drblury/transitflow/internal/runtime/messages"
	metadatapkg "github.com/drblury/transitflow/internal/runtime/metadata"
	monitorpkg "github.com/drblury/transitflow/internal/runtime/monitor"
	notifypkg "github.com/drblury/transitflow/internal/runtime/notify"
	offlinepkg "github.com/drblury/transitflow/internal/runtime/offline"
	passengerpkg "github.com/drblury/transitflow/internal/runtime/passenger"
	pubsubpkg "github.com/drblury/transitflow/internal/runtime/pubsub"
	simulationpkg "github.com/drblury/transitflow/internal/runtime/simulation"
	statuspkg "github.com/drblury/transitflow/internal/runtime/status"
	transportpkg "github.com/drblury/transitflow/transport"
)

type (
	Config              = configpkg.Config
	ConnectionConfig    = configpkg.ConnectionConfig
	TopicsConfig        = configpkg.TopicsConfig
	QueueConfig         = configpkg.QueueConfig
	MonitorConfig       = configpkg.MonitorConfig
	DriverConfig        = configpkg.DriverConfig
	PassengerConfig     = configpkg.PassengerConfig
	SimulationConfig    = configpkg.SimulationConfig
	NotificationsConfig = configpkg.NotificationsConfig
	StatusConfig        = configpkg.StatusConfig

	// Wire model
	Position             = messagespkg.Position
	CrowdLevel           = messagespkg.CrowdLevel
	Priority             = messagespkg.Priority
	DriverKind           = messagespkg.DriverKind
	DriverMessage        = messagespkg.DriverMessage
	PassengerMessage     = messagespkg.PassengerMessage
	PassengerMessageType = messagespkg.PassengerMessageType
	QueuedEnvelope       = messagespkg.QueuedEnvelope
	Frame                = messagespkg.Frame
	FrameType            = messagespkg.FrameType

	// Services
	ConnectionSimulator = connectionpkg.Simulator
	ConnectionState     = connectionpkg.ConnectionState
	TopicManager        = pubsubpkg.Manager
	BroadcastResult     = pubsubpkg.BroadcastResult
	OfflineQueue        = offlinepkg.Manager
	QueueStats          = offlinepkg.Stats
	Monitor             = monitorpkg.Monitor
	Snapshot            = monitorpkg.Snapshot
	Alert               = monitorpkg.Alert
	Health              = monitorpkg.Health
	PathRecord          = monitorpkg.PathRecord
	PathStats           = monitorpkg.PathStats

	// Adapters
	Driver                = driverpkg.Driver
	DriverIdentity        = driverpkg.Identity
	DriverDependencies    = driverpkg.Dependencies
	DriverStats           = driverpkg.Stats
	SessionStats          = driverpkg.SessionStats
	LocationSource        = driverpkg.LocationSource
	Passenger             = passengerpkg.Passenger
	PassengerIdentity     = passengerpkg.Identity
	PassengerDependencies = passengerpkg.Dependencies
	PassengerStats        = passengerpkg.Stats
	LocationFeed          = locationpkg.Feed

	// Simulation
	Simulation             = simulationpkg.Harness
	SimulationDependencies = simulationpkg.Dependencies
	SimulationReport       = simulationpkg.Report
	SimulationSummary      = simulationpkg.Summary
	ChaosAction            = simulationpkg.ChaosAction

	// Notifications
	DemoNotification       = notifypkg.DemoNotification
	NotificationKind       = notifypkg.Kind
	NotificationSink       = notifypkg.Sink
	MemorySink             = notifypkg.MemorySink
	NotificationRenderer   = notifypkg.Renderer
	NotificationDispatcher = notifypkg.Dispatcher
	DispatcherDependencies = notifypkg.Dependencies
	MiddlewareBuilder      = notifypkg.MiddlewareBuilder
	MiddlewareRegistration = notifypkg.MiddlewareRegistration
	JobContext             = notifypkg.JobContext
	JobHooks               = notifypkg.JobHooks

	// Status persistence
	StatusStore   = statuspkg.Store
	StatusReader  = statuspkg.Reader
	StatusUpdate  = statuspkg.Update
	StatusSession = statuspkg.Session

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Notification transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewConnectionSimulator = connectionpkg.NewSimulator
	NewTopicManager        = pubsubpkg.NewManager
	NewOfflineQueue        = offlinepkg.NewManager
	NewMonitor             = monitorpkg.New
	NewDriver              = driverpkg.New
	NewPassenger           = passengerpkg.New
	NewLocationFeed        = locationpkg.NewFeed
	NewSimulation          = simulationpkg.New

	WithConnectionRecorder = connectionpkg.WithRecorder
	WithConnectLimiter     = connectionpkg.WithConnectLimiter
	WithTopicRecorder      = pubsubpkg.WithRecorder
	WithQueueRecorder      = offlinepkg.WithRecorder
	WithMonitorRegisterer  = monitorpkg.WithRegisterer
	WithMonitorTracer      = monitorpkg.WithTracerProvider

	NewDriverMessage    = messagespkg.NewDriverMessage
	NewPassengerMessage = messagespkg.NewPassengerMessage
	CrowdLevelFor       = messagespkg.CrowdLevelFor
	Distance            = locationpkg.Distance

	// Notifications
	NewNotification         = notifypkg.New
	NewDispatcher           = notifypkg.NewDispatcher
	NewMemorySink           = notifypkg.NewMemorySink
	NewPublisherSink        = notifypkg.NewPublisherSink
	NewBreakerRenderer      = notifypkg.NewBreakerRenderer
	LogRenderer             = notifypkg.LogRenderer
	DefaultMiddlewares      = notifypkg.DefaultMiddlewares
	CorrelationIDMiddleware = notifypkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = notifypkg.LogMessagesMiddleware
	TracerMiddleware        = notifypkg.TracerMiddleware
	MetricsMiddleware       = notifypkg.MetricsMiddleware
	RetryMiddleware         = notifypkg.RetryMiddleware
	PoisonQueueMiddleware   = notifypkg.PoisonQueueMiddleware
	RecovererMiddleware     = notifypkg.RecovererMiddleware
	JobHooksMiddleware      = notifypkg.JobHooksMiddleware
	LoggingHooks            = notifypkg.LoggingHooks

	// Status persistence
	OpenStatusStore  = statuspkg.Open
	NewMemoryStore   = statuspkg.NewMemoryStore
	NewSQLiteStore   = statuspkg.NewSQLiteStore
	NewPostgresStore = statuspkg.NewPostgresStore
	NewStatusWriter  = statuspkg.NewWriter

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConnectorRequired  = errspkg.ErrConnectorRequired
	ErrTopicsRequired     = errspkg.ErrTopicsRequired
	ErrLocationRequired   = errspkg.ErrLocationRequired
	ErrRouteRequired      = errspkg.ErrRouteRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrRendererRequired   = errspkg.ErrRendererRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrUnknownEntity      = errspkg.ErrUnknownEntity
	ErrAlreadyRunning     = errspkg.ErrAlreadyRunning
	ErrNotRunning         = errspkg.ErrNotRunning
	ErrUnknownStatusStore = errspkg.ErrUnknownStatusStore
	ErrUnknownTransport   = transportpkg.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Frame types a client can see on its virtual channel.
const (
	FrameConnectionAck = messagespkg.FrameConnectionAck
	FrameHeartbeat     = messagespkg.FrameHeartbeat
	FrameSubscribed    = messagespkg.FrameSubscribed
	FrameUnsubscribed  = messagespkg.FrameUnsubscribed
	FrameDisconnecting = messagespkg.FrameDisconnecting
	FrameBroadcast     = messagespkg.FrameBroadcast
)

// Crowd levels.
const (
	CrowdLow    = messagespkg.CrowdLow
	CrowdMedium = messagespkg.CrowdMedium
	CrowdHigh   = messagespkg.CrowdHigh
)

// Chaos actions understood by Simulation.TriggerChaos.
const (
	ChaosDriverDisconnect      = simulationpkg.ChaosDriverDisconnect
	ChaosPassengerReconnecting = simulationpkg.ChaosPassengerReconnecting
	ChaosLoadSpike             = simulationpkg.ChaosLoadSpike
	ChaosNetworkCongestion     = simulationpkg.ChaosNetworkCongestion
)

// Notification kinds.
const (
	NotificationArrival   = notifypkg.KindArrival
	NotificationCrowding  = notifypkg.KindCrowding
	NotificationEmergency = notifypkg.KindEmergency
	NotificationInfo      = notifypkg.KindInfo
)

// NewHub builds an observer hub that replays the last replay items to new
// subscribers.
func NewHub[T any](buffer, replay int) *fanoutpkg.Hub[T] {
	return fanoutpkg.NewHub[T](buffer, replay)
}
