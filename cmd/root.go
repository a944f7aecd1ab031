// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

var logFile *os.File

// Execute is called by main.go
func Execute() {
	defer func() {
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, false)
		if thePanic := recover(); thePanic != nil && ctx != nil {
			ctx.WithField("panic", thePanic).WithField("stack", string(buf)).Fatal("Stopping because of panic")
		}
	}()

	if err := BridgeCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

// setupLogging logs to stdout and, if configured, as JSON to the log file
func setupLogging(cmd *cobra.Command, args []string) {
	var logHandlers []log.Handler

	logHandlers = append(logHandlers, cli.New(os.Stdout))

	if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
		absLogFileLocation, err := filepath.Abs(logFileLocation)
		if err != nil {
			panic(err)
		}
		logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			panic(err)
		}
		logHandlers = append(logHandlers, json.New(logFile))
	}

	level := log.InfoLevel
	if config.GetBool("debug") {
		level = log.DebugLevel
	}

	ctx = &log.Logger{
		Level:   level,
		Handler: multi.New(logHandlers...),
	}
}

func closeLogging(cmd *cobra.Command, args []string) {
	if logFile != nil {
		time.Sleep(100 * time.Millisecond)
		logFile.Close()
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	BridgeCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
}
