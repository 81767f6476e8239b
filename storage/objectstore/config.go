package objectstore

import (
	"fmt"
	"unicode"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Config holds configuration for the object store adapter
type Config struct {
	// Bucket is the JetStream object store bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Replicas is the stream replication factor
	Replicas int `json:"replicas" yaml:"replicas"`

	// Compression stores payloads S2-compressed
	Compression bool `json:"compression" yaml:"compression"`
}

// DefaultConfig returns the configuration used for unset fields
func DefaultConfig() Config {
	return Config{
		Bucket:   "VPIPELINE_OBJECTS",
		Replicas: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Bucket == "" {
		c.Bucket = d.Bucket
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	return c
}

// Validate checks the bucket name against the JetStream alphabet
func (c Config) Validate() error {
	for _, r := range c.Bucket {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return errors.WrapInvalid(
				fmt.Errorf("%w: bucket %q", errors.ErrInvalidConfig, c.Bucket),
				"objectstore", "Validate", "check bucket name")
		}
	}
	return nil
}
