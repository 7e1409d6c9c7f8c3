// Package backend defines the interface that all execution resources must
// implement, the static resource descriptor, and a registry that builds
// resources from descriptors by type.
package backend
