// Package config provides XML-based configuration management for air-gapped deployment.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"DataLogConverter"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Processing configuration
	Processing ProcessingConfig `xml:"Processing"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory       string `xml:"DataDirectory"`
	UploadsDirectory    string `xml:"UploadsDirectory"`
	ParsedDataDirectory string `xml:"ParsedDataDirectory"`
	ChannelMapFile      string `xml:"ChannelMapFile"`
}

// ProcessingConfig contains conversion settings
type ProcessingConfig struct {
	MaxConcurrentConversions int `xml:"MaxConcurrentConversions"`
	MaxSessions              int `xml:"MaxSessions"`
	SessionTimeoutMinutes    int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes   int `xml:"CleanupIntervalMinutes"`
	DefaultPageSize          int `xml:"DefaultPageSize"`
	MaxPageSize              int `xml:"MaxPageSize"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowFileDeletion bool   `xml:"AllowFileDeletion"`
	AllowedFileTypes  string `xml:"AllowedFileTypes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	LogFormat            string `xml:"LogFormat"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	EnableCompression    bool   `xml:"EnableCompression"`
	CompressionLevel     int    `xml:"CompressionLevel"`
	DuckDBThreads        int    `xml:"DuckDBThreads"`
	DuckDBMemoryLimit    string `xml:"DuckDBMemoryLimit"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "1G",
		},
		Storage: StorageConfig{
			DataDirectory:       "./data",
			UploadsDirectory:    "./data/uploads",
			ParsedDataDirectory: "./data/parsed",
		},
		Processing: ProcessingConfig{
			MaxConcurrentConversions: 3,
			MaxSessions:              20,
			SessionTimeoutMinutes:    30,
			CleanupIntervalMinutes:   5,
			DefaultPageSize:          1000,
			MaxPageSize:              50000,
		},
		Security: SecurityConfig{
			AllowFileDeletion: true,
			AllowedFileTypes:  ".csv,.txt",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			LogFormat:            "text",
			EnableRequestLogging: true,
			EnableCompression:    true,
			CompressionLevel:     5,
			DuckDBThreads:        4,
			DuckDBMemoryLimit:    "1GB",
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := xml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- AiM Data Log Converter Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every storage directory that still sits under the default root
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		old := c.Storage.DataDirectory
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = rebase(c.Storage.UploadsDirectory, old, dataDir)
		c.Storage.ParsedDataDirectory = rebase(c.Storage.ParsedDataDirectory, old, dataDir)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}

	if channels := os.Getenv("CHANNEL_MAP"); channels != "" {
		c.Storage.ChannelMapFile = channels
	}
}

func rebase(path, oldRoot, newRoot string) string {
	rel, err := filepath.Rel(filepath.Clean(oldRoot), filepath.Clean(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.Join(newRoot, rel)
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Storage.ParsedDataDirectory,
		&c.Storage.ChannelMapFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Storage.DataDirectory
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// AllowedExtensions returns the lower-cased upload extensions.
func (c *AppConfig) AllowedExtensions() []string {
	var out []string
	for _, ext := range strings.Split(c.Security.AllowedFileTypes, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" {
			out = append(out, ext)
		}
	}
	return out
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		c.Storage.ParsedDataDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
