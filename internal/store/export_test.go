package store

var Tombstone = string(tombstone)
