package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: defaults alone are missing the token secret
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 2: load the configs
	{
		config := []byte(`---
auth:
  jwt_secret: unit-test-secret-0123456789`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("HS256", cfg.Auth.Algorithm)
		assert.Equal(16, cfg.Relay.RegistryShards)
		assert.False(cfg.Relay.DropWhenFull)
		assert.Equal("tcp://127.0.0.1:1883", cfg.MQTT.BrokerURI)
		assert.Equal([]string{"*"}, cfg.API.WebSocket.AllowedOrigins)
	}

	// Case 3: invalid config
	{
		config := []byte(`---
auth:
  jwt_secret: unit-test-secret-0123456789
api:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid config
	{
		config := []byte(`---
auth:
  jwt_secret: unit-test-secret-0123456789
relay:
  workers: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: unsupported token algorithm
	{
		config := []byte(`---
auth:
  jwt_secret: unit-test-secret-0123456789
  algorithm: RS256`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: pong timeout must exceed the ping interval
	{
		config := []byte(`---
auth:
  jwt_secret: unit-test-secret-0123456789
api:
  websocket:
    ping_interval_sec: 30
    pong_timeout_sec: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
