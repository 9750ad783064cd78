package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/BushidoLab/electrum/pkg/config"
	"github.com/BushidoLab/electrum/pkg/core/blockchain"
	"github.com/BushidoLab/electrum/pkg/core/consensus/equihash"
)

func main() {
	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	infoDir := infoCmd.String("dir", ".", "headers directory")
	infoNet := infoCmd.String("net", "mainnet", "network: mainnet or regtest")
	infoCps := infoCmd.String("checkpoints", "", "checkpoints JSON file")

	cpCmd := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	cpDir := cpCmd.String("dir", ".", "headers directory")
	cpNet := cpCmd.String("net", "mainnet", "network: mainnet or regtest")

	if len(os.Args) < 2 {
		fmt.Println("Usage: electrum-headers [info|checkpoints] <args>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "info":
		infoCmd.Parse(os.Args[2:])
		tree := openTree(*infoDir, *infoNet, *infoCps)
		defer tree.Close()
		printInfo(tree)
	case "checkpoints":
		cpCmd.Parse(os.Args[2:])
		tree := openTree(*cpDir, *cpNet, "")
		defer tree.Close()
		printCheckpoints(tree)
	default:
		fmt.Println("Unknown command:", os.Args[1])
		os.Exit(1)
	}
}

func openTree(dir, net, checkpointsPath string) *blockchain.Tree {
	var params config.Params
	switch net {
	case "mainnet":
		params = config.MainNet
	case "regtest":
		params = config.RegTest
	default:
		logrus.Fatalf("unknown network %q", net)
	}
	if checkpointsPath != "" {
		cps, err := config.LoadCheckpoints(checkpointsPath)
		if err != nil {
			logrus.WithError(err).Fatal("load checkpoints")
		}
		params.Checkpoints = cps
	}

	verifier, err := equihash.New(params.EquihashN, params.EquihashK)
	if err != nil {
		logrus.WithError(err).Fatal("equihash parameters")
	}
	tree, err := blockchain.Open(dir, &params, verifier)
	if err != nil {
		logrus.WithError(err).Fatal("open header tree")
	}
	return tree
}

func printInfo(tree *blockchain.Tree) {
	for _, s := range tree.Segments() {
		tip, err := s.Hash(s.Height())
		if err != nil {
			logrus.WithError(err).Fatal("read tip")
		}
		fmt.Printf("segment %d: parent=%d size=%d height=%d branch=%d name=%s tip=%s\n",
			s.Checkpoint(), s.ParentID(), s.Size(), s.Height(), s.BranchSize(), s.Name(), tip)
	}
}

func printCheckpoints(tree *blockchain.Tree) {
	cps, err := tree.Root().Checkpoints()
	if err != nil {
		logrus.WithError(err).Fatal("regenerate checkpoints")
	}
	out, err := json.MarshalIndent(cps, "", "  ")
	if err != nil {
		logrus.WithError(err).Fatal("encode checkpoints")
	}
	fmt.Println(string(out))
}
