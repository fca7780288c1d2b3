package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/logger"
)

// ParseStringTime converts duration strings of the form "10s", "5m", "2h" or
// "1d" into a time.Duration. Invalid input logs an error and yields zero so
// callers fall back to their own defaults.
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.ToLower(timeString)
	if cutString, _, found := strings.Cut(timeString, "s"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Second
	}
	if cutString, _, found := strings.Cut(timeString, "m"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Minute
	}
	if cutString, _, found := strings.Cut(timeString, "h"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Hour
	}
	if cutString, _, found := strings.Cut(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Hour * 24
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}
