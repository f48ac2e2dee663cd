package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
MaxCacheAge = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadMinimalConfigUsesDefaults(t *testing.T) {
	path := writeTempConfig(t, `StoragePath = "./data"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("最小配置应当通过: %v", err)
	}
	if cfg.Cache.Namespace != "default" || cfg.Download.ExecutionOrder != "fifo" {
		t.Fatalf("默认值未生效: %+v", cfg)
	}
	if cfg.Cache.MaxCacheAge.DurationValue().Hours() != 168 {
		t.Fatalf("MaxCacheAge 默认应为一周: %v", cfg.Cache.MaxCacheAge.DurationValue())
	}
	if cfg.Cache.MemoryPressureThreshold != 10 {
		t.Fatalf("MemoryPressureThreshold 默认值错误: %v", cfg.Cache.MemoryPressureThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "does-not-exist.toml")); err == nil {
		t.Fatalf("不存在的文件应返回错误")
	}
}
