// Package solver defines the capability interface every challenge solver
// implements, the registry that maps task types to solvers, and the three
// built-in variants, which drive a pluggable Browser.
package solver
