package utils

import (
	"strconv"

	"github.com/jagveer-loky/ab2d/conf"
)

func GetEnvInt(varName string, defaultVal int) int {
	if v := conf.GetEnv(varName); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func GetEnvBool(varName string, defaultVal bool) bool {
	if v := conf.GetEnv(varName); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// GetEnvFailPct returns a failure threshold percentage clamped to [0, 100].
func GetEnvFailPct(varName string, defaultVal int) int {
	pct := GetEnvInt(varName, defaultVal)
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return pct
}
