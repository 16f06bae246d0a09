// Copyright 2025 UHDSlave
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger provides structured logging for gateway components.
// Each component (store, policy, agent, ...) holds its own instance so
// log lines can be attributed without parsing the message text.
type Logger struct {
	Component string
	SlaveID   string
	Container string
	minLevel  LogLevel
}

// LogEntry is the JSON shape written through the standard log package
// (stderr unless redirected), one object per line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	SlaveID   string                 `json:"slave_id"`
	Container string                 `json:"container"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component.
// The slave instance ID comes from SLAVE_ID (set during deployment) and the
// minimum level from LOG_LEVEL; both default sensibly when unset.
func New(component string) *Logger {
	slaveID := os.Getenv("SLAVE_ID")
	if slaveID == "" {
		slaveID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	minLevel := INFO
	if lvl := LogLevel(strings.ToUpper(os.Getenv("LOG_LEVEL"))); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}

	return &Logger{
		Component: component,
		SlaveID:   slaveID,
		Container: container,
		minLevel:  minLevel,
	}
}

// Log creates a structured log entry and writes it through the standard log package
func (l *Logger) Log(level LogLevel, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		SlaveID:   l.SlaveID,
		Container: l.Container,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.Log(INFO, "", message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.Log(WARN, "", message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.Log(ERROR, "", message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.Log(DEBUG, "", message, fields)
}

// InfoRequest logs an info message attributed to a request
func (l *Logger) InfoRequest(requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, requestID, message, fields)
}

// ErrorWithErr logs an error message carrying the error text as a field
func (l *Logger) ErrorWithErr(message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Log(ERROR, "", message, fields)
}
