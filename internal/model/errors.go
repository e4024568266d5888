package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrConnection is returned when the message channel is not available.
	ErrConnection = errors.New("connection error")
	// ErrProtocol is returned on transfer ordering, size or destination violations.
	ErrProtocol = errors.New("protocol error")
	// ErrSessionBusy is returned when a device destination already has an open upload.
	ErrSessionBusy = errors.New("session busy")
	// ErrProducer is returned when a slicing or analysis job fails.
	ErrProducer = errors.New("producer error")
	// ErrAlreadyDecided is returned when an approval decision is made twice.
	ErrAlreadyDecided = errors.New("already decided")
	// ErrNotApproved is returned when an action requires an approved patch.
	ErrNotApproved = errors.New("not approved")
	// ErrStreamClosed is returned when publishing on a terminated progress stream.
	ErrStreamClosed = errors.New("stream closed")
)
