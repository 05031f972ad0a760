package main

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"strconv"

	"github.com/squareup/topologycoord/conf"
	toplog "github.com/squareup/topologycoord/log"
	"github.com/squareup/topologycoord/server"
	"muzzammil.xyz/jsonc"
)

// runner parses a config file and node id off the command line and drives one node's Server
// through it: -conf/-node flag parsing plus jsonc-with-comments config loading.
type runner struct {
	server *server.Server
}

func (r *runner) run(args []string, start bool) error {
	if len(args) != 4 {
		return errors.New("please run with -conf <config_file> -node <node_id>")
	}
	sNodeID := args[3]
	nodeID, err := strconv.ParseInt(sNodeID, 10, 32)
	if err != nil {
		return err
	}
	confFile := args[1]
	b, err := ioutil.ReadFile(confFile)
	if err != nil {
		return err
	}
	cfg := conf.Config{}
	// jsonc supports comments in JSON, which ops find useful for annotating config files.
	b = jsonc.ToJSON(b)
	if err := json.Unmarshal(b, &cfg); err != nil {
		return err
	}
	cfg.NodeID = int(nodeID)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logCfg := toplog.Config{File: cfg.LogFile, Level: cfg.LogLevel, Format: cfg.LogFormat}
	if logCfg.Format == "" {
		logCfg.Format = "text"
	}
	if err := logCfg.Configure(); err != nil {
		return err
	}
	s, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	r.server = s
	if start {
		if err := s.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) getServer() *server.Server {
	return r.server
}
