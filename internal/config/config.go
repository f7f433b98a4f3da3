package config

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string

	AMQPURL      string
	AMQPExchange string

	HoldTTL         time.Duration
	SweepInterval   time.Duration
	CompactInterval time.Duration

	// allocation
	Candidates        int
	SearchRadiusStart float64
	SearchRadiusMax   float64
	IndexCellDeg      float64

	// queue
	QueueCellDeg      float64
	QueueMaxPerBucket int
	QueueMaxWait      time.Duration
	QueueMaxRequeues  int

	Workers     int
	EventBuffer int

	HoldTokenHashKey  []byte
	HoldTokenBlockKey []byte
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: could not load .env: %v", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:   getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getenv("AMQP_EXCHANGE", "spot.events"),
	}

	p := parser{}
	cfg.HoldTTL = time.Duration(p.positiveInt("HOLD_TTL_SECONDS", 30)) * time.Second
	cfg.SweepInterval = time.Duration(p.positiveInt("SWEEP_INTERVAL_MS", 1000)) * time.Millisecond
	cfg.CompactInterval = time.Duration(p.positiveInt("COMPACT_INTERVAL_SECONDS", 60)) * time.Second
	cfg.Candidates = p.positiveInt("CANDIDATES", 10)
	cfg.SearchRadiusStart = p.positiveFloat("SEARCH_RADIUS_START_M", 250)
	cfg.SearchRadiusMax = p.positiveFloat("SEARCH_RADIUS_MAX_M", 5000)
	cfg.IndexCellDeg = p.positiveFloat("INDEX_CELL_DEG", 0.0025)
	cfg.QueueCellDeg = p.positiveFloat("QUEUE_CELL_DEG", 0.05)
	cfg.QueueMaxPerBucket = p.positiveInt("QUEUE_MAX_PER_BUCKET", 1000)
	cfg.QueueMaxWait = time.Duration(p.positiveInt("QUEUE_MAX_WAIT_SECONDS", 600)) * time.Second
	cfg.QueueMaxRequeues = p.positiveInt("QUEUE_MAX_REQUEUES", 20)
	cfg.Workers = p.positiveInt("WORKERS", 4)
	cfg.EventBuffer = p.positiveInt("EVENT_BUFFER", 256)
	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.SearchRadiusMax < cfg.SearchRadiusStart {
		return Config{}, fmt.Errorf("SEARCH_RADIUS_MAX_M must be >= SEARCH_RADIUS_START_M")
	}

	hashKey := os.Getenv("HOLD_TOKEN_HASH_KEY")
	blockKey := os.Getenv("HOLD_TOKEN_BLOCK_KEY")
	if hashKey == "" && blockKey != "" {
		return Config{}, fmt.Errorf("HOLD_TOKEN_BLOCK_KEY requires HOLD_TOKEN_HASH_KEY")
	}
	var err error
	if hashKey != "" {
		if cfg.HoldTokenHashKey, err = decodeB64(hashKey); err != nil {
			return Config{}, fmt.Errorf("HOLD_TOKEN_HASH_KEY: %w", err)
		}
	}
	if blockKey != "" {
		if cfg.HoldTokenBlockKey, err = decodeB64(blockKey); err != nil {
			return Config{}, fmt.Errorf("HOLD_TOKEN_BLOCK_KEY: %w", err)
		}
		switch len(cfg.HoldTokenBlockKey) {
		case 16, 24, 32:
		default:
			return Config{}, fmt.Errorf("HOLD_TOKEN_BLOCK_KEY must decode to 16, 24 or 32 bytes")
		}
	}

	return cfg, nil
}

// parser collects the first invalid variable so FromEnv can report it once.
type parser struct {
	err error
}

func (p *parser) positiveInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" || p.err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		p.err = fmt.Errorf("invalid %s", k)
		return def
	}
	return n
}

func (p *parser) positiveFloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" || p.err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		p.err = fmt.Errorf("invalid %s", k)
		return def
	}
	return f
}

func decodeB64(s string) ([]byte, error) {
	b, err := os.ReadFile(s)
	if err == nil {
		// allow pointing to file path for k8s secret mounts
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
