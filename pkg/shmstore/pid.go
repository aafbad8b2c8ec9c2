package shmstore

import "os"

func processID() int { return os.Getpid() }
