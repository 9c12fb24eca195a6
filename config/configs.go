package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

const (
	DefaultSchema    = "vector_layer"
	DefaultLatClamp  = 89.9
	DefaultBatchSize = 1000
	DefaultLogLevel  = "warn"
)

type Config struct {
	XMLName  xml.Name `xml:"config"`
	Host     string   `xml:"host"`
	Port     string   `xml:"port"`
	Username string   `xml:"user"`
	Password string   `xml:"password"`
	Dbname   string   `xml:"dbname"`
	SSLMode  string   `xml:"sslmode"`
	// Schema 图层数据表所在的数据库 schema
	Schema string `xml:"schema"`
	// LatClamp 地理坐标系下空间相交前裁剪的纬度范围
	LatClamp float64 `xml:"latclamp"`
	// BatchSize 批量导入每批写入的行数
	BatchSize int `xml:"batchsize"`
	// LogLevel silent / error / warn / info
	LogLevel string `xml:"loglevel"`
}

// Load 读取XML配置文件并补齐默认值
func Load(path string) (Config, error) {
	var cfg Config
	xmlFile, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer xmlFile.Close()

	if err := xml.NewDecoder(xmlFile).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "5432"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.LatClamp <= 0 || c.LatClamp > 90 {
		c.LatClamp = DefaultLatClamp
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// DSN 拼接 PostgreSQL 连接串
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Username, c.Password, c.Dbname, c.Port, c.SSLMode)
}
