package dssync

import "time"

// HTTPRequestTimeout is the default timeout for all HTTP requests to the
// Démarches Simplifiées and Grist APIs.
const HTTPRequestTimeout = 60 * time.Second

// ProbeTimeout bounds the best-effort connectivity check performed while
// staging a démarche.
const ProbeTimeout = 10 * time.Second
