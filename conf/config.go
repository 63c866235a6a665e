package conf

/*
   This package wraps viper for the AB2D worker. Configuration is read once
   from an env-format file when one is present; any key not tracked by the
   file falls through to the process environment. PROD/TEST/DEV environments
   typically run without a config file and rely on the environment alone.

   Assumptions:
   1. The configuration file is an env file named local.env
   2. Once loaded, configuration stays immutable for the lifetime of the
      process (tests are the exception, via SetEnv/UnsetEnv)
*/

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

// An instance of the viper struct holding the conf information. Only made
// accessible through the public functions GetEnv, LookupEnv, SetEnv, etc.
var envVars viper.Viper

const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, force the read and parse of the config file now
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}
	return v
}

func init() {
	// Possible config file locations: local development and deployed paths.
	var locations = []string{
		"/go/src/github.com/jagveer-loky/ab2d/shared_files/decrypted",
		"../shared_files/decrypted",
	}

	if found, loc := findEnv(locations); found {
		envVars = *setup(loc)
	} else {
		state = noconfigfound
	}
}

func findEnv(locations []string) (bool, string) {
	for _, loc := range locations {
		if _, err := os.Stat(loc + "/local.env"); err == nil {
			return true, loc
		}
	}
	return false, ""
}

// GetEnv retrieves the value stored in conf. If it does not exist, the empty
// string is returned.
func GetEnv(key string) string {
	if state == configgood {
		value := envVars.GetString(key)

		// Even when the config file loaded, a key missing from conf may
		// still exist in the environment. Copy it over to conf to prevent
		// additional OS calls.
		if value == "" {
			if v, ok := os.LookupEnv(key); ok {
				envVars.Set(key, v)
				value = v
			}
		}

		return value
	}

	return os.Getenv(key)
}

// LookupEnv augments os.LookupEnv by checking the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.Get(key); value != nil && value != "" {
			return value.(string), true
		}
		if v, exist := os.LookupEnv(key); exist {
			envVars.Set(key, v)
			return v, true
		}
		return "", false
	}

	return os.LookupEnv(key)
}

// SetEnv adds a key/value into conf. The *testing.T parameter is there to
// ensure callers knowingly use it only in test scope.
func SetEnv(protect *testing.T, key string, value string) error {
	if state == configgood {
		envVars.Set(key, value)
		return nil
	}
	return os.Setenv(key, value)
}

// UnsetEnv removes a variable from conf and from the environment.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}
	return os.Unsetenv(key)
}
