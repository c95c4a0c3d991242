package main

// Version is the node software version, reported in the mesh presence
// beacon and the startup banner.
const Version = "0.3.1"
