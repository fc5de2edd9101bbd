package main

import (
	"os"

	"github.com/informalsystems/tm-bench/pkg/cli"
)

const appLongDesc = `Benchmarking tool for Tendermint networks.
Runs a benchmark, a sequence of rounds each submitting transactions at a
controlled rate, across a pool of workers and reports throughput, latency and
the resources used by the processes under test.

To validate a benchmark without running it:
    tm-bench validate -b scripts/benchmark.yaml -n scripts/network.yaml

To run a benchmark with local worker processes:
    tm-bench manager -b scripts/benchmark.yaml -n scripts/network.yaml

To run a benchmark with remote workers connecting over websockets:
    tm-bench manager \
        -b scripts/benchmark.yaml -n scripts/network.yaml \
        --method websocket --address 0.0.0.0:26670

    tm-bench worker --remote --method websocket --address ws://manager.somewhere.com:26670/

Every setting can also be given in a runtime config file (--config) or as a
TMBENCH_* environment variable, e.g. TMBENCH_WORKER_MAXINFLIGHT=500.
`

func main() {
	os.Exit(cli.Run(&cli.Config{
		AppName:      "tm-bench",
		AppShortDesc: "Benchmarking tool for Tendermint networks",
		AppLongDesc:  appLongDesc,
	}))
}
