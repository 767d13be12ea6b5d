package server

import (
	"fmt"
	"os"
	"strconv"
)

// WorkerArg is the hidden argv[1] cmd/ptyrelay checks for to dispatch
// into worker mode after a supervisor self-exec.
const WorkerArg = workerArg

// WorkerConnFD and WorkerHandoffFD are the fixed descriptor numbers a
// spawned worker inherits (see spawnWorker's ExtraFiles ordering).
const (
	WorkerConnFD    = workerConnFDIndex
	WorkerHandoffFD = workerHOFFDIndex
)

// WorkerConfigFromEnv reads back the configuration the supervisor
// passed via environment variables across self-exec.
func WorkerConfigFromEnv() (sessionID uint64, persist bool, launch []string, err error) {
	if os.Getenv(envWorkerMarker) != "1" {
		return 0, false, nil, fmt.Errorf("worker: not spawned by a supervisor (missing %s)", envWorkerMarker)
	}
	sessionID, err = strconv.ParseUint(os.Getenv(envWorkerSession), 10, 64)
	if err != nil {
		return 0, false, nil, fmt.Errorf("worker: parse %s: %w", envWorkerSession, err)
	}
	persist = os.Getenv(envWorkerPersist) == "1"
	launch, err = WorkerLaunchFromEnv(os.Getenv(envWorkerLaunch))
	if err != nil {
		return 0, false, nil, err
	}
	return sessionID, persist, launch, nil
}
