package config

const (
	defaultDataDir            = "~/.local/share/loom/data"
	defaultStagingDir         = "~/.local/share/loom/staging"
	defaultLogDir             = "~/.local/share/loom/logs"
	defaultAPIBind            = "127.0.0.1:7601"
	defaultBrokerURL          = "redis://localhost:6379/0"
	defaultBrokerNamespace    = "loom"
	defaultBrokerPopTimeout   = 5
	defaultBrokerFlagTTL      = 21600
	defaultGlobalSlots        = 3
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultRetryPollInterval  = 2
	defaultRedispatchInterval = 30
	defaultGPUBaseURL         = "http://localhost:8000"
	defaultGPURequestTimeout  = 60
	defaultGPUPollInterval    = 2
	defaultCDNBaseURL         = "http://localhost:9100"
	defaultCDNRequestTimeout  = 120
	defaultRetentionDays      = 14
	defaultRetentionSweep     = 3600
	defaultNotifyTimeout      = 10
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

// Default returns a Config populated with repository defaults, including the
// standard content-generation pipeline topology.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Broker: Broker{
			URL:        defaultBrokerURL,
			Namespace:  defaultBrokerNamespace,
			PopTimeout: defaultBrokerPopTimeout,
			FlagTTL:    defaultBrokerFlagTTL,
		},
		Workers: Workers{
			GlobalSlots:        defaultGlobalSlots,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
			RetryPollInterval:  defaultRetryPollInterval,
			RedispatchInterval: defaultRedispatchInterval,
		},
		GPU: GPU{
			BaseURL:        defaultGPUBaseURL,
			RequestTimeout: defaultGPURequestTimeout,
			PollInterval:   defaultGPUPollInterval,
		},
		CDN: CDN{
			BaseURL:        defaultCDNBaseURL,
			RequestTimeout: defaultCDNRequestTimeout,
		},
		Retention: Retention{
			WindowDays:    defaultRetentionDays,
			SweepInterval: defaultRetentionSweep,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			JobComplete:    true,
			JobFailed:      true,
			DeadLetter:     true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Queues: DefaultQueues(),
		Stages: DefaultStages(),
	}
}

// DefaultQueues returns the standard queue set: one queue per stage at class
// medium, plus shared override queues for job-level priority escalation.
func DefaultQueues() []Queue {
	return []Queue{
		{Name: "script", Priority: "medium", Concurrency: 1},
		{Name: "metadata", Priority: "medium", Concurrency: 1},
		{Name: "chunks", Priority: "medium", Concurrency: 1},
		{Name: "prompts", Priority: "medium", Concurrency: 1},
		{Name: "voiceover", Priority: "medium", Concurrency: 1},
		{Name: "thumbnails", Priority: "medium", Concurrency: 1},
		{Name: "images", Priority: "medium", Concurrency: 1},
		{Name: "video", Priority: "medium", Concurrency: 1},
		{Name: "send_to_cdn", Priority: "medium", Concurrency: 1},
		{Name: "high_priority", Priority: "high", Concurrency: 2},
		{Name: "low_priority", Priority: "low", Concurrency: 1},
	}
}

// DefaultStages returns the standard content-generation pipeline. GPU-bound
// stages carry a longer backoff base than the text stages so redelivery does
// not hammer the inference service.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "script", Queue: "script", Operation: "script", MaxAttempts: 3, BackoffBase: 2, BackoffCap: 300, Timeout: 60},
		{Name: "metadata", Queue: "metadata", DependsOn: []string{"script"}, Operation: "metadata", MaxAttempts: 3, BackoffBase: 2, BackoffCap: 300, Timeout: 60},
		{Name: "chunks", Queue: "chunks", DependsOn: []string{"metadata"}, Operation: "chunks", MaxAttempts: 3, BackoffBase: 2, BackoffCap: 300, Timeout: 120},
		{Name: "voiceover", Queue: "voiceover", DependsOn: []string{"chunks"}, Operation: "voiceover", MaxAttempts: 5, BackoffBase: 5, BackoffCap: 300, Timeout: 300},
		{Name: "prompts", Queue: "prompts", DependsOn: []string{"chunks"}, Operation: "prompts", MaxAttempts: 2, BackoffBase: 2, BackoffCap: 300, Timeout: 60},
		{Name: "thumbnail", Queue: "thumbnails", DependsOn: []string{"prompts"}, Operation: "thumbnail", MaxAttempts: 3, BackoffBase: 2, BackoffCap: 300, Timeout: 120, Optional: true},
		{Name: "images", Queue: "images", DependsOn: []string{"prompts"}, Operation: "images", MaxAttempts: 3, BackoffBase: 10, BackoffCap: 300, Timeout: 300},
		{Name: "video", Queue: "video", DependsOn: []string{"voiceover", "images"}, Operation: "video", MaxAttempts: 3, BackoffBase: 10, BackoffCap: 600, Timeout: 600},
		{Name: "send_to_cdn", Queue: "send_to_cdn", DependsOn: []string{"video"}, Operation: "upload", MaxAttempts: 3, BackoffBase: 30, BackoffCap: 600, Timeout: 3600, SideEffect: true},
	}
}
