package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"firestige.xyz/lossmon/internal/core"
)

// portRangeHook decodes "start-end" strings into core.PortRange.
func portRangeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(core.PortRange{}) {
			return data, nil
		}
		return core.ParsePortRange(data.(string))
	}
}

// durationHook accepts Go duration strings ("250ms") as well as plain
// numbers, which are read as seconds ("0.5", 2).
func durationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return ParseSeconds(data.(string))
		case reflect.Float32, reflect.Float64:
			return secondsToDuration(reflect.ValueOf(data).Float()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		}
		return data, nil
	}
}

// fieldsHook splits a command string on whitespace ("sudo bpftool").
func fieldsHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		return strings.Fields(data.(string)), nil
	}
}

// ParseSeconds parses either a Go duration or a number of seconds.
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a Go duration", s)
	}
	return secondsToDuration(f), nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
