package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"lumeview.com/client/sim"
)

// standalone simulated session backend for local development

type Config struct {
	Listen     string `yaml:"listen"`
	SessionTtl string `yaml:"session_ttl"`
	QueueSize  int    `yaml:"queue_size"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:     "127.0.0.1:5151",
		SessionTtl: "1h",
		QueueSize:  1024,
	}
}

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	flag.Parse()
	defer glog.Flush()

	config := defaultConfig()
	if *configPath != "" {
		configBytes, err := os.ReadFile(*configPath)
		if err != nil {
			glog.Exitf("[server-sim]read config error = %s\n", err)
		}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			glog.Exitf("[server-sim]parse config error = %s\n", err)
		}
	}

	sessionTtl, err := time.ParseDuration(config.SessionTtl)
	if err != nil {
		glog.Exitf("[server-sim]parse session_ttl error = %s\n", err)
	}

	settings := sim.DefaultBackendSettings()
	settings.SessionTtl = sessionTtl
	settings.QueueSize = config.QueueSize
	backend := sim.NewBackend(settings)

	glog.Infof("[server-sim]listen %s\n", config.Listen)
	glog.Exitf("[server-sim]serve error = %s\n", http.ListenAndServe(config.Listen, backend.Router()))
}
