package vm

// ---------------------------------------------------------------------------
// Boot prelude
// ---------------------------------------------------------------------------
//
// The system closures are assembled code so that every thunk and handler
// they call runs through the dispatch loop, where it can capture
// continuations, raise and be collected like any other code.
//
// Lexical addresses are (depth index): depth 0 is the innermost frame.

const bootPrelude = `
; (%perform-wind steps k vals): run each step #(during thunk after), then
; resume k with vals.
((closure (3 #f %perform-wind)
   (iloc 0 0)
   (if.null (push.iloc 0 1) (push.iloc 0 2) (apply.gref %resume))
   (call (push.iloc 0 0) (subr car 1)
         (push) (subr %wind-step-before 1)
         (apply))
   (push.iloc 0 0) (subr car 1)
   (push) (subr %wind-step-after 1)
   (push.iloc 0 0) (push.subr cdr 1) (push.iloc 0 1) (push.iloc 0 2)
   (apply.gref %perform-wind))
 (gdef %perform-wind))

; (dynamic-wind before thunk after)
((closure (3 #f dynamic-wind)
   (call (apply.iloc 0 0))
   (push.iloc 0 0) (push.iloc 0 2) (subr %wind-push 2)
   (call (apply.iloc 0 1))
   (push) (extend 1)
   (subr %wind-pop 0)
   (call (apply.iloc 1 2))
   (iloc 0 0)
   (ret))
 (gdef dynamic-wind))

; (with-exception-handler handler thunk)
((closure (2 #f with-exception-handler)
   (push.subr %handlers 0) (extend 1)
   (push.iloc 1 0) (subr %handler-push 1)
   (call (apply.iloc 1 1))
   (push) (extend 1)
   (push.iloc 1 0) (subr %set-handlers! 1)
   (iloc 0 0)
   (ret))
 (gdef with-exception-handler))

; (%raise obj continuable?): call the innermost handler with the outer
; handlers installed. With no handler left the condition aborts to the host.
((closure (2 #f %raise)
   (push.subr %handlers 0) (extend 1)
   (iloc 0 0)
   (if.null (push.iloc 1 0) (apply.gref %abort))
   (push.iloc 0 0) (push.subr cdr 1) (subr %set-handlers! 1)
   (call (push.iloc 1 0) (push.iloc 0 0) (subr car 1) (apply))
   (push) (extend 1)
   (iloc 2 1)
   (if.false (push.iloc 2 0) (apply.gref %handler-returned))
   (push.iloc 1 0) (subr %set-handlers! 1)
   (iloc 0 0)
   (ret))
 (gdef %raise))

((closure (1 #f raise)
   (push.iloc 0 0) (push.const #f) (apply.gref %raise))
 (gdef raise))

((closure (1 #f raise-continuable)
   (push.iloc 0 0) (push.const #t) (apply.gref %raise))
 (gdef raise-continuable))

; (%parameterize param value thunk): one swap closure serves as both the
; before and after thunk; each call exchanges the binding with slot 1.
((closure (3 #f %parameterize)
   (closure (0 #f #f)
     (push.iloc 1 0) (push.iloc 1 1) (subr %dynamic-swap! 2)
     (iset 1 1)
     (ret))
   (push) (push.iloc 0 2) (push)
   (apply.gref dynamic-wind))
 (gdef %parameterize))
`

// standardLibrary holds list procedures that call back into Scheme and so
// are not primitives.
const standardLibrary = `
((closure (2 #f map)
   (iloc 0 1)
   (if.null (const ()) (ret))
   (call (push.iloc 0 1) (subr car 1) (push) (apply.iloc 0 0))
   (push)
   (call (push.iloc 0 0) (push.iloc 0 1) (push.subr cdr 1) (apply.gref map))
   (push)
   (subr cons 2)
   (ret))
 (gdef map))

((closure (2 #f for-each)
   (iloc 0 1)
   (if.null (const #<unspecified>) (ret))
   (call (push.iloc 0 1) (subr car 1) (push) (apply.iloc 0 0))
   (push.iloc 0 0) (push.iloc 0 1) (push.subr cdr 1)
   (apply.gref for-each))
 (gdef for-each))

((closure (2 #f filter)
   (iloc 0 1)
   (if.null (const ()) (ret))
   (call (push.iloc 0 1) (subr car 1) (push) (apply.iloc 0 0))
   (if.false (push.iloc 0 0) (push.iloc 0 1) (push.subr cdr 1) (apply.gref filter))
   (push.iloc 0 1) (push.subr car 1)
   (call (push.iloc 0 0) (push.iloc 0 1) (push.subr cdr 1) (apply.gref filter))
   (push)
   (subr cons 2)
   (ret))
 (gdef filter))

((closure (3 #f fold-left)
   (iloc 0 2)
   (if.null (iloc 0 1) (ret))
   (push.iloc 0 0)
   (call (push.iloc 0 1) (push.iloc 0 2) (push.subr car 1) (apply.iloc 0 0))
   (push)
   (push.iloc 0 2) (push.subr cdr 1)
   (apply.gref fold-left))
 (gdef fold-left))

((closure (1 #f call-with-output-string)
   (push.subr open-output-string 0) (extend 1)
   (call (push.iloc 0 0) (apply.iloc 1 0))
   (push.iloc 0 0) (subr get-output-string 1)
   (ret))
 (gdef call-with-output-string))
`
