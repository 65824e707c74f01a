// Package lazypp evaluates tasks lazily and caches their outputs by
// content.
//
// A task is identified by its name, an explicit version and a canonical
// form of its input. Inputs may hold plain values, files, directories,
// other tasks, projections of other tasks' outputs and reusable files.
// Asking a task for its result first consults the cache under that
// identity; the body only runs on a miss. Files and directories in the
// output are copied into the cache so that a later hit hands them back
// without running anything.
//
//	sum := lazypp.New("sum", func(ctx context.Context, c *lazypp.Context, in SumInput) (SumOutput, error) {
//		...
//	}, SumInput{A: lazypp.MustFile("a.txt")}, lazypp.WithCacheDir("cache"))
//
//	out, err := sum.Result(ctx)
//
// Bodies run in a private work directory reachable through Context. The
// process working directory is never changed, so tasks may run
// concurrently.
package lazypp
