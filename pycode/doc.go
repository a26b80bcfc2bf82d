// Package pycode is the boundary to the Python bytecode toolchain.
//
// Archive entries that carry program logic hold marshaled, position
// independent code objects. Producing or rewriting them needs an
// interpreter, so that work sits behind the [Compiler] interface; [Python]
// implements it by running an interpreter with a small helper script. The
// .pyc header helpers in this package need no interpreter.
package pycode
