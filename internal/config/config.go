package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
}

type NatsConfig struct {
	URL                 string
	LEAD_BUCKET         string
	LEAD_TTL            int
	REGISTRY_BUCKET     string
	REGISTRY_TTL        int
	RPC_TIMEOUT_SECONDS int
}

type PostgresConfig struct {
	URL string
}

type RetryConfig struct {
	TIMES            int
	INTERVAL_SECONDS int
}

type JudicatorConfig struct {
	NAME                string
	LEAD_INTERVAL       int
	REGISTER_INTERVAL   int
	TASK_EXPIRATION     int
	EXECUTOR_EXPIRATION int
}

type ExecutorConfig struct {
	NAME            string
	CAPACITY        int
	DATA_DIR        string
	REPORT_INTERVAL int
	TASK_UID        int
	TASK_GID        int
}

type GatewayConfig struct {
	LISTEN_ADDR      string
	CACHE_SIZE_BYTES int
	CACHE_TTL        int
}

func env(key string) string {
	return os.Getenv(key)
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("NATS_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: NATS_URL is empty")
	}
	lb := env("COORD_LEAD_BUCKET")
	if lb == "" {
		return nil, fmt.Errorf("KEY: COORD_LEAD_BUCKET is empty")
	}
	lt, err := convertStringToInt(env("COORD_LEAD_TTL"), "COORD_LEAD_TTL")
	if err != nil {
		return nil, err
	}
	rb := env("COORD_REGISTRY_BUCKET")
	if rb == "" {
		return nil, fmt.Errorf("KEY: COORD_REGISTRY_BUCKET is empty")
	}
	rt, err := convertStringToInt(env("COORD_REGISTRY_TTL"), "COORD_REGISTRY_TTL")
	if err != nil {
		return nil, err
	}
	to, err := convertStringToInt(env("RPC_TIMEOUT"), "RPC_TIMEOUT")
	if err != nil {
		return nil, err
	}
	return &NatsConfig{
		URL:                 url,
		LEAD_BUCKET:         lb,
		LEAD_TTL:            lt,
		REGISTRY_BUCKET:     rb,
		REGISTRY_TTL:        rt,
		RPC_TIMEOUT_SECONDS: to,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{URL: url}, nil
}

func GetRetryConfig() (*RetryConfig, error) {
	times, err := convertStringToInt(env("RETRY_TIMES"), "RETRY_TIMES")
	if err != nil {
		return nil, err
	}
	interval, err := convertStringToInt(env("RETRY_INTERVAL"), "RETRY_INTERVAL")
	if err != nil {
		return nil, err
	}
	return &RetryConfig{
		TIMES:            times,
		INTERVAL_SECONDS: interval,
	}, nil
}

func GetJudicatorConfig() (*JudicatorConfig, error) {
	name := env("JUDICATOR_NAME")
	if name == "" {
		return nil, fmt.Errorf("KEY: JUDICATOR_NAME is empty")
	}
	li, err := convertStringToInt(env("LEAD_INTERVAL"), "LEAD_INTERVAL")
	if err != nil {
		return nil, err
	}
	ri, err := convertStringToInt(env("REGISTER_INTERVAL"), "REGISTER_INTERVAL")
	if err != nil {
		return nil, err
	}
	te, err := convertStringToInt(env("TASK_EXPIRATION"), "TASK_EXPIRATION")
	if err != nil {
		return nil, err
	}
	ee, err := convertStringToInt(env("EXECUTOR_EXPIRATION"), "EXECUTOR_EXPIRATION")
	if err != nil {
		return nil, err
	}
	return &JudicatorConfig{
		NAME:                name,
		LEAD_INTERVAL:       li,
		REGISTER_INTERVAL:   ri,
		TASK_EXPIRATION:     te,
		EXECUTOR_EXPIRATION: ee,
	}, nil
}

func GetExecutorConfig() (*ExecutorConfig, error) {
	name := env("EXECUTOR_NAME")
	if name == "" {
		return nil, fmt.Errorf("KEY: EXECUTOR_NAME is empty")
	}
	capacity, err := convertStringToInt(env("EXECUTOR_CAPACITY"), "EXECUTOR_CAPACITY")
	if err != nil {
		return nil, err
	}
	dd := env("EXECUTOR_DATA_DIR")
	if dd == "" {
		return nil, fmt.Errorf("KEY: EXECUTOR_DATA_DIR is empty")
	}
	ri, err := convertStringToInt(env("REPORT_INTERVAL"), "REPORT_INTERVAL")
	if err != nil {
		return nil, err
	}
	// TASK_UID/TASK_GID of 0 means run task subprocesses as the agent itself.
	uid := 0
	if v := env("TASK_UID"); v != "" {
		uid, err = convertStringToInt(v, "TASK_UID")
		if err != nil {
			return nil, err
		}
	}
	gid := 0
	if v := env("TASK_GID"); v != "" {
		gid, err = convertStringToInt(v, "TASK_GID")
		if err != nil {
			return nil, err
		}
	}
	return &ExecutorConfig{
		NAME:            name,
		CAPACITY:        capacity,
		DATA_DIR:        dd,
		REPORT_INTERVAL: ri,
		TASK_UID:        uid,
		TASK_GID:        gid,
	}, nil
}

func GetGatewayConfig() (*GatewayConfig, error) {
	addr := env("GATEWAY_LISTEN_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("KEY: GATEWAY_LISTEN_ADDR is empty")
	}
	cs, err := convertStringToInt(env("GATEWAY_CACHE_SIZE"), "GATEWAY_CACHE_SIZE")
	if err != nil {
		return nil, err
	}
	ct, err := convertStringToInt(env("GATEWAY_CACHE_TTL"), "GATEWAY_CACHE_TTL")
	if err != nil {
		return nil, err
	}
	return &GatewayConfig{
		LISTEN_ADDR:      addr,
		CACHE_SIZE_BYTES: cs,
		CACHE_TTL:        ct,
	}, nil
}
