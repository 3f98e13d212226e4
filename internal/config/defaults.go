package config

const (
	defaultBrokerHost          = "localhost"
	defaultBrokerPort          = 1883
	defaultTopicPrefix         = "astoria"
	defaultConnectTimeout      = 10
	defaultKeepAlive           = 30
	defaultPublishBuffer       = 256
	defaultCacheDir            = "~/.cache/astoria"
	defaultLogDir              = "~/.local/share/astoria/logs"
	defaultLockDir             = "/run/astoria"
	defaultRequestTimeoutMS    = 5000
	defaultLogFormat           = "auto"
	defaultLogLevel            = "info"
	defaultMountRoot           = "/media"
	defaultRescanInterval      = 5
	defaultMountTable          = "/proc/self/mounts"
	defaultUUIDDir             = "/dev/disk/by-uuid"
	defaultUsercodeEntrypoint  = "robot.py"
	defaultKillGraceSeconds    = 5
	defaultLogTailLines        = 200
	defaultArena               = "A"
	defaultGameTimeout         = 0
	defaultWifiRegion          = "GB"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		MQTT: MQTT{
			Host:                  defaultBrokerHost,
			Port:                  defaultBrokerPort,
			TopicPrefix:           defaultTopicPrefix,
			ConnectTimeoutSeconds: defaultConnectTimeout,
			KeepAliveSeconds:      defaultKeepAlive,
			PublishBuffer:         defaultPublishBuffer,
		},
		System: System{
			CacheDir:         defaultCacheDir,
			LogDir:           defaultLogDir,
			LockDir:          defaultLockDir,
			RequestTimeoutMS: defaultRequestTimeoutMS,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Managers: Managers{
			Astdiskd: true,
			Astmetad: true,
			Astprocd: true,
		},
		Astdiskd: DiskManager{
			MountRoot:             defaultMountRoot,
			RescanIntervalSeconds: defaultRescanInterval,
			Udev:                  true,
			MountTable:            defaultMountTable,
			UUIDDir:               defaultUUIDDir,
		},
		Astprocd: ProcessManager{
			DefaultUsercodeEntrypoint: defaultUsercodeEntrypoint,
			Interpreter:               []string{"python3", "-u"},
			KillGraceSeconds:          defaultKillGraceSeconds,
			LogTailLines:              defaultLogTailLines,
		},
		Astmetad: MetadataManager{
			Arena:       defaultArena,
			GameTimeout: defaultGameTimeout,
			WifiRegion:  defaultWifiRegion,
		},
		Env: map[string]string{},
	}
}
