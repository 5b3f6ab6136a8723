package scaffold

import "text/template"

// Rendered templates use << >> delimiters so TeX keeps ownership of braces.
var (
	paperTmpl  = template.Must(template.New("paper").Delims("<<", ">>").Parse(paperTemplate))
	readmeTmpl = template.Must(template.New("readme").Delims("<<", ">>").Parse(readmeTemplate))
)

// paperTemplate is the starting document. The class line and bibliography
// style come from the class preset; everything else is the same skeleton
// regardless of venue.
const paperTemplate = `<<.ClassLine>>

\usepackage{amsmath}
\usepackage{graphicx}
\usepackage{hyperref}

\title{<<.Title>>}
\author{<<.Author>>}

\begin{document}

\maketitle

\begin{abstract}
One paragraph stating the problem, the approach, and the headline result.
\end{abstract}

\section{Introduction}

\section{Background}

\section{Approach}

\section{Evaluation}

\section{Conclusion}

\bibliographystyle{<<.BibStyle>>}
\bibliography{refs}

\end{document}
`

// refsTemplate seeds the bibliography with one well-formed entry so the
// first build exercises the full engine/bibtex cycle.
const refsTemplate = `@book{knuth:texbook,
  author    = {Donald E. Knuth},
  title     = {The {\TeX}book},
  publisher = {Addison-Wesley},
  year      = {1984},
}
`

const makefileTemplate = `MAIN = paper.tex

.PHONY: all watch clean distclean view

all:
	texmill build $(MAIN)

watch:
	texmill watch $(MAIN)

clean:
	texmill clean $(MAIN)

distclean:
	texmill clean --all $(MAIN)

view: all
	xdg-open $(basename $(MAIN)).pdf
`

const gitignoreTemplate = `# TeX build products
*.aux
*.log
*.bbl
*.blg
*.out
*.toc
*.lof
*.lot
*.nav
*.snm
*.vrb
*.fls
*.fdb_latexmk
*.synctex.gz
*.pdf
*.dvi

# texmill state
.texmill/logs/
.texmill/state.db
`

const readmeTemplate = `# <<.Title>>

LaTeX sources for the paper, built with texmill.

## Building

    make          # compile paper.pdf
    make watch    # rebuild on change
    make clean    # remove build products

Engine and bibliography settings live in .texmill/config.yaml.
`
