// Package watch detects media insertion through udev netlink events and
// hands the device path to a queueing handler.
package watch
