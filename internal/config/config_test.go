package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmflow/wasmflow/internal/wasmerrors"
)

const validYAML = `
sources:
  - kafka:
      brokers:
        - my-broker.confluent.cloud:9092
      group_id: wasmflow-group
      topic: my-topic
      batch_size: 1000000
      offset: earliest
      sasl:
        plain:
          username: alice
          password: hunter2
sinks:
  - s3:
      region: us-east-1
      bucket: wasmtime-sink
      key_prefix: my-stream
      file_size: 4096
processors:
  - module_path: ./guest.wasm
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wasmflow.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadFileValid(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"my-broker.confluent.cloud:9092"}, cfg.Source.Brokers)
	assert.Equal(t, "wasmflow-group", cfg.Source.GroupID)
	assert.EqualValues(t, 1000000, cfg.Source.BatchSizeBytes)
	assert.Equal(t, "earliest", cfg.Source.Offset)
	require.NotNil(t, cfg.Source.SASL.Plain)
	assert.Equal(t, "alice", cfg.Source.SASL.Plain.Username)
	require.NotNil(t, cfg.Sink.S3)
	assert.Equal(t, "us-east-1", cfg.Sink.S3.Region)
	assert.Equal(t, "wasmtime-sink", cfg.Sink.S3.Bucket)
	assert.Equal(t, 4096, cfg.Sink.S3.FileSizeBytes)
	assert.Equal(t, "./guest.wasm", cfg.Processor.ModulePath)
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.ErrorIs(t, err, wasmerrors.ErrConfigInvalid)
}

func TestLoadFileRejectsMissingTopic(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - kafka:
      brokers: ["broker:9092"]
      group_id: g
sinks:
  - none: {}
processors:
  - module_path: ./guest.wasm
`)
	_, err := LoadFile(path)
	require.ErrorIs(t, err, wasmerrors.ErrConfigInvalid)
}

func TestLoadFileRejectsS3SinkWithoutBucket(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - kafka:
      brokers: ["broker:9092"]
      group_id: g
      topic: t
sinks:
  - s3:
      file_size: 100
processors:
  - module_path: ./guest.wasm
`)
	_, err := LoadFile(path)
	require.ErrorIs(t, err, wasmerrors.ErrConfigInvalid)
}

func TestSinkNoneSkipsS3Validation(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - kafka:
      brokers: ["broker:9092"]
      group_id: g
      topic: t
sinks:
  - none: {}
processors:
  - module_path: ./guest.wasm
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Sink.S3)
}

func TestLoadFileRejectsUnknownOffset(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - kafka:
      brokers: ["broker:9092"]
      group_id: g
      topic: t
      offset: sideways
sinks:
  - none: {}
processors:
  - module_path: ./guest.wasm
`)
	_, err := LoadFile(path)
	require.ErrorIs(t, err, wasmerrors.ErrConfigInvalid)
}

func TestLoadFileAppliesLatestOffset(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - kafka:
      brokers: ["broker:9092"]
      group_id: g
      topic: t
      offset: latest
sinks:
  - none: {}
processors:
  - module_path: ./guest.wasm
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "latest", cfg.Source.Offset)
}

func TestLoadUsesEnvVar(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "my-topic", cfg.Source.Topic)
}

func TestLoadMissingEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")
	_, err := Load()
	require.ErrorIs(t, err, wasmerrors.ErrConfigInvalid)
}
