package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Configuration struct {
	Server       ServerConfig       `json:"server"`
	Security     SecurityConfig     `json:"security"`
	Logging      LoggingConfig      `json:"logging"`
	Database     DatabaseConfig     `json:"database"`
	Signing      SigningConfig      `json:"signing"`
	Notification NotificationConfig `json:"notification"`
	Storage      StorageConfig      `json:"storage"`
}

type ServerConfig struct {
	Port          string        `json:"port"`
	ReadTimeout   time.Duration `json:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	ExpirySweep   time.Duration `json:"expiry_sweep"`
	MaxUploadSize int64         `json:"max_upload_size"`
}

type SecurityConfig struct {
	// AdminKeyHash is a bcrypt hash of the key accepted in X-Admin-Key.
	AdminKeyHash string `json:"admin_key_hash"`
}

type LoggingConfig struct {
	Level       string `json:"level"`
	Environment string `json:"environment"`
}

type DatabaseConfig struct {
	Host            string `json:"host"`
	Port            string `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	Name            string `json:"name"`
	SSLMode         string `json:"ssl_mode"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	MaxOpenConns    int    `json:"max_open_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime"`
}

type SigningConfig struct {
	Organization    string        `json:"organization"`
	CommonName      string        `json:"common_name"`
	KeyBits         int           `json:"key_bits"`
	Validity        time.Duration `json:"validity"`
	Reason          string        `json:"reason"`
	Location        string        `json:"location"`
	ContactInfo     string        `json:"contact_info"`
	PlaceholderSize int           `json:"placeholder_size"`
	VerifyURL       string        `json:"verify_url"`
	ClaimTTL        time.Duration `json:"claim_ttl"`

	// ContainerPassword protects the persisted PKCS#12 container.
	ContainerPassword string `json:"container_password"`
}

type NotificationConfig struct {
	SMTPHost    string        `json:"smtp_host"`
	SMTPPort    int           `json:"smtp_port"`
	Username    string        `json:"username"`
	Password    string        `json:"password"`
	From        string        `json:"from"`
	Interval    time.Duration `json:"interval"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
	Workers     int           `json:"workers"`
}

type StorageConfig struct {
	PublicBaseURL string `json:"public_base_url"`
}

var (
	config     *Configuration
	configOnce sync.Once
	configLock sync.RWMutex
)

func LoadConfig(filePath string) (*Configuration, error) {
	var err error

	configOnce.Do(func() {
		var file *os.File
		file, err = os.Open(filePath)
		if err != nil {
			err = fmt.Errorf("failed to open config file: %w", err)
			return
		}
		defer file.Close()

		loaded := defaults()
		if err = json.NewDecoder(file).Decode(loaded); err != nil {
			err = fmt.Errorf("failed to decode config file: %w", err)
			return
		}
		applyEnv(loaded)

		configLock.Lock()
		config = loaded
		configLock.Unlock()
	})

	return GetConfig(), err
}

func GetConfig() *Configuration {
	configLock.RLock()
	defer configLock.RUnlock()
	return config
}

func UpdateConfig(updater func(*Configuration)) {
	configLock.Lock()
	defer configLock.Unlock()
	updater(config)
}

func InitializeDefaultConfig() *Configuration {
	configLock.Lock()
	defer configLock.Unlock()

	config = defaults()
	applyEnv(config)
	return config
}

func defaults() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			Port:          "8000",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
			ExpirySweep:   time.Minute,
			MaxUploadSize: 20 << 20,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Environment: "production",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			Username:        "postgres",
			Password:        "password",
			Name:            "signflow",
			SSLMode:         "disable",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: 300,
		},
		Signing: SigningConfig{
			Organization:    "Signflow",
			CommonName:      "Signflow Document Signing",
			KeyBits:         2048,
			Validity:        10 * 365 * 24 * time.Hour,
			Reason:          "Document completed by all signers",
			Location:        "Signflow",
			ContactInfo:     "support@signflow.local",
			PlaceholderSize: 16384,
			VerifyURL:       "http://localhost:8000/verify",
			ClaimTTL:        5 * time.Minute,

			ContainerPassword: "signflow",
		},
		Notification: NotificationConfig{
			SMTPPort:    587,
			From:        "no-reply@signflow.local",
			Interval:    600 * time.Millisecond,
			Timeout:     10 * time.Second,
			MaxAttempts: 2,
			Workers:     1,
		},
		Storage: StorageConfig{
			PublicBaseURL: "http://localhost:8000",
		},
	}
}

func applyEnv(cfg *Configuration) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Notification.Password = v
	}
	if v := os.Getenv("SIGNING_CONTAINER_PASSWORD"); v != "" {
		cfg.Signing.ContainerPassword = v
	}
	if v := os.Getenv("ADMIN_KEY_HASH"); v != "" {
		cfg.Security.AdminKeyHash = v
	}
	if cfg.Signing.KeyBits < 2048 {
		cfg.Signing.KeyBits = 2048
	}
	if cfg.Notification.MaxAttempts < 1 {
		cfg.Notification.MaxAttempts = 1
	}
	if cfg.Notification.Workers < 1 {
		cfg.Notification.Workers = 1
	}
}

func LogConfig(logger *zap.Logger) {
	configLock.RLock()
	defer configLock.RUnlock()

	redacted := *config
	redacted.Database.Password = "[REDACTED]"
	redacted.Notification.Password = "[REDACTED]"
	redacted.Security.AdminKeyHash = "[REDACTED]"
	redacted.Signing.ContainerPassword = "[REDACTED]"

	logger.Info("Application configuration",
		zap.String("port", redacted.Server.Port),
		zap.Duration("read_timeout", redacted.Server.ReadTimeout),
		zap.Duration("write_timeout", redacted.Server.WriteTimeout),
		zap.Int("key_bits", redacted.Signing.KeyBits),
		zap.Int("placeholder_size", redacted.Signing.PlaceholderSize),
		zap.String("smtp_host", redacted.Notification.SMTPHost),
		zap.Duration("notification_interval", redacted.Notification.Interval),
		zap.Int("notification_workers", redacted.Notification.Workers),
		zap.String("database_host", redacted.Database.Host),
		zap.String("database_name", redacted.Database.Name),
	)
}
